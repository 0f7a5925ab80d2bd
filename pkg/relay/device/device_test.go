// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	gwerrors "github.com/goodexpert/onzsa-gateway/pkg/errors"
	"github.com/goodexpert/onzsa-gateway/pkg/handler"
	"github.com/goodexpert/onzsa-gateway/pkg/pool"
	"github.com/goodexpert/onzsa-gateway/pkg/relay"
	"go.bug.st/serial"
)

// mockPort is an in-memory serial port. Device output is fed through
// the pipe; writes from the adapter are recorded.
type mockPort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu     sync.Mutex
	writes [][]byte
	closed int
}

func newMockPort() *mockPort {
	r, w := io.Pipe()
	return &mockPort{r: r, w: w}
}

func (m *mockPort) Read(p []byte) (int, error) { return m.r.Read(p) }

func (m *mockPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	m.writes = append(m.writes, append([]byte(nil), p...))
	m.mu.Unlock()
	return len(p), nil
}

func (m *mockPort) Close() error {
	m.mu.Lock()
	m.closed++
	m.mu.Unlock()
	m.r.CloseWithError(io.ErrClosedPipe)
	return nil
}

func (m *mockPort) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.writes...)
}

func (m *mockPort) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

var testConfig = Config{DevicePath: "/dev/ttyS0", BaudRate: 9600, DataBits: 8, StopBits: "1", Parity: "none"}

func newAdapter(port *mockPort, openErr error, p *pool.Pool) *Adapter {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	opener := func(path string, mode *serial.Mode) (io.ReadWriteCloser, error) {
		if openErr != nil {
			return nil, openErr
		}
		return port, nil
	}
	return New(testConfig, relay.Deps{Logger: logger, Pool: p}, &handler.Context{SessionID: "scale"}, WithOpener(opener))
}

func nextEvent(t *testing.T, a *Adapter) relay.Event {
	t.Helper()
	select {
	case ev, ok := <-a.Events():
		if !ok {
			t.Fatal("Events channel closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for event")
		return relay.Event{}
	}
}

func text(s string) relay.Message {
	return relay.Message{Type: relay.TextMessage, Data: []byte(s)}
}

func TestConfig_Mode(t *testing.T) {
	mode, err := testConfig.Mode()
	if err != nil {
		t.Fatalf("Mode failed: %v", err)
	}
	if mode.BaudRate != 9600 || mode.DataBits != 8 || mode.StopBits != serial.OneStopBit || mode.Parity != serial.NoParity {
		t.Errorf("Unexpected mode %+v", mode)
	}

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"missing path", func(c *Config) { c.DevicePath = "" }},
		{"zero baud", func(c *Config) { c.BaudRate = 0 }},
		{"data bits", func(c *Config) { c.DataBits = 9 }},
		{"stop bits", func(c *Config) { c.StopBits = "3" }},
		{"parity", func(c *Config) { c.Parity = "sometimes" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig
			tt.modify(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}

	cfg := testConfig
	cfg.Parity, cfg.StopBits = "EVEN", "2"
	mode, err = cfg.Mode()
	if err != nil || mode.Parity != serial.EvenParity || mode.StopBits != serial.TwoStopBits {
		t.Errorf("Expected even parity and two stop bits, got %+v (%v)", mode, err)
	}
}

func TestAdapter_OpenSuccessEnvelope(t *testing.T) {
	port := newMockPort()
	a := newAdapter(port, nil, nil)
	defer a.Close()

	if err := a.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	ev := nextEvent(t, a)
	if string(ev.Message.Data) != `{"msg":"open","error":null}` {
		t.Errorf("Unexpected open envelope %s", ev.Message.Data)
	}
}

func TestAdapter_OpenFailureEnvelope(t *testing.T) {
	p := pool.New(pool.Config{})
	a := newAdapter(nil, errors.New("port busy"), p)

	err := a.Open(context.Background())
	if !errors.Is(err, gwerrors.ErrBackendOpen) {
		t.Fatalf("Expected ErrBackendOpen, got %v", err)
	}

	var envelopes []string
	for ev := range a.Events() {
		envelopes = append(envelopes, string(ev.Message.Data))
	}
	if len(envelopes) != 1 || envelopes[0] != `{"msg":"open","error":"port busy"}` {
		t.Errorf("Expected exactly one failed open envelope, got %v", envelopes)
	}

	if active, _ := p.Stats(); active != 0 {
		t.Errorf("Expected no link after failed open, got %d", active)
	}
	if err := a.Close(); err != nil {
		t.Errorf("Close after failed open returned %v", err)
	}
}

func TestAdapter_InvalidModeReportsOpenFailure(t *testing.T) {
	port := newMockPort()
	a := newAdapter(port, nil, nil)
	a.cfg.Parity = "bogus"

	if err := a.Open(context.Background()); err == nil {
		t.Fatal("Expected open failure for invalid parity")
	}

	ev := nextEvent(t, a)
	var env struct {
		Msg   string  `json:"msg"`
		Error *string `json:"error"`
	}
	if err := json.Unmarshal(ev.Message.Data, &env); err != nil {
		t.Fatalf("Invalid envelope %s: %v", ev.Message.Data, err)
	}
	if env.Msg != KindOpen || env.Error == nil {
		t.Errorf("Expected open envelope with error, got %s", ev.Message.Data)
	}
}

func TestAdapter_DataEnvelope(t *testing.T) {
	port := newMockPort()
	a := newAdapter(port, nil, nil)
	defer a.Close()

	if err := a.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	nextEvent(t, a) // open envelope

	go port.w.Write([]byte("ST,GS,+001.50kg"))

	ev := nextEvent(t, a)
	var env struct {
		Msg  string `json:"msg"`
		Data []int  `json:"data"`
	}
	if err := json.Unmarshal(ev.Message.Data, &env); err != nil {
		t.Fatalf("Invalid envelope %s: %v", ev.Message.Data, err)
	}
	if env.Msg != KindData {
		t.Errorf("Expected data envelope, got %q", env.Msg)
	}

	got := make([]byte, len(env.Data))
	for i, v := range env.Data {
		got[i] = byte(v)
	}
	if string(got) != "ST,GS,+001.50kg" {
		t.Errorf("Expected raw bytes in envelope, got %q", got)
	}
}

func TestAdapter_ReadCommand(t *testing.T) {
	port := newMockPort()
	a := newAdapter(port, nil, nil)
	defer a.Close()

	if err := a.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := a.Send(context.Background(), text(`{"msg":"read"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	writes := port.Writes()
	if len(writes) != 1 || len(writes[0]) != 1 || writes[0][0] != 0x05 {
		t.Errorf("Expected exactly one write of 0x05, got %v", writes)
	}
}

func TestAdapter_IgnoredCommands(t *testing.T) {
	port := newMockPort()
	a := newAdapter(port, nil, nil)
	defer a.Close()

	if err := a.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	tests := []struct {
		name string
		msg  relay.Message
	}{
		{"not json", text("read")},
		{"unknown command", text(`{"msg":"tare"}`)},
		{"wrong type", text(`{"msg":5}`)},
		{"json string", text(`"read"`)},
		{"null", text(`null`)},
		{"empty", text("")},
		{"binary", relay.Message{Type: relay.BinaryMessage, Data: []byte(`{"msg":"read"}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Send(context.Background(), tt.msg)
			if !errors.Is(err, gwerrors.ErrMalformedMessage) {
				t.Errorf("Expected ErrMalformedMessage, got %v", err)
			}
		})
	}

	if writes := port.Writes(); len(writes) != 0 {
		t.Errorf("Expected no device writes, got %v", writes)
	}
}

func TestAdapter_CloseIdempotent(t *testing.T) {
	port := newMockPort()
	p := pool.New(pool.Config{})
	a := newAdapter(port, nil, p)

	if err := a.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := a.Close(); err != nil {
			t.Errorf("Close %d returned %v", i, err)
		}
	}
	if port.Closed() != 1 {
		t.Errorf("Expected port closed once, got %d", port.Closed())
	}
	if active, _ := p.Stats(); active != 0 {
		t.Errorf("Expected link released, %d active", active)
	}

	// Drain whatever is left; the channel must be closed.
	for range a.Events() {
	}
}

func TestAdapter_DeviceError(t *testing.T) {
	port := newMockPort()
	a := newAdapter(port, nil, nil)
	defer a.Close()

	if err := a.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	nextEvent(t, a) // open envelope

	port.w.CloseWithError(errors.New("device unplugged"))

	ev := nextEvent(t, a)
	if ev.Kind != relay.EventError || !errors.Is(ev.Err, gwerrors.ErrBackendRuntime) {
		t.Errorf("Expected runtime error event, got %s %v", ev.Kind, ev.Err)
	}
	if port.Closed() != 1 {
		t.Errorf("Expected port closed after error, got %d", port.Closed())
	}
}

func TestEnvelopeJSON(t *testing.T) {
	data, _ := json.Marshal(dataEnvelope([]byte{0x41, 0x00, 0xFF}))
	if string(data) != `{"msg":"data","data":[65,0,255]}` {
		t.Errorf("Unexpected data envelope %s", data)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if string(env.Data) != "A\x00\xff" {
		t.Errorf("Unexpected decoded data %v", env.Data)
	}

	if err := json.Unmarshal([]byte(`{"msg":"data","data":[256]}`), &env); err == nil {
		t.Error("Expected out of range byte to fail")
	}
}
