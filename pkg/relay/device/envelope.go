// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Envelope kinds sent to the client.
const (
	KindOpen = "open"
	KindData = "data"
)

// CommandRead asks the scale for one weight reading.
const CommandRead = "read"

// readRequest is the ENQ control byte the scale answers with a reading.
const readRequest byte = 0x05

// Envelope is a client-bound device event.
type Envelope struct {
	Msg   string  `json:"msg"`
	Error *string `json:"error,omitempty"`
	Data  Bytes   `json:"data,omitempty"`
}

// MarshalJSON keeps "error" present (as null) on open envelopes.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Msg == KindOpen {
		return json.Marshal(struct {
			Msg   string  `json:"msg"`
			Error *string `json:"error"`
		}{e.Msg, e.Error})
	}
	type plain Envelope
	return json.Marshal(plain(e))
}

// Command is a client-to-device request.
type Command struct {
	Msg string `json:"msg"`
}

// Bytes encodes raw device bytes as a JSON array of numbers rather than
// base64, so browser clients can build a Uint8Array directly.
type Bytes []byte

// MarshalJSON implements json.Marshaler.
func (b Bytes) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	out := make([]byte, 0, 2+len(b)*4)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	return append(out, ']'), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *Bytes) UnmarshalJSON(data []byte) error {
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return err
	}
	if nums == nil {
		*b = nil
		return nil
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return fmt.Errorf("byte value %d out of range", n)
		}
		out[i] = byte(n)
	}
	*b = out
	return nil
}

func openEnvelope(err error) Envelope {
	env := Envelope{Msg: KindOpen}
	if err != nil {
		msg := err.Error()
		env.Error = &msg
	}
	return env
}

func dataEnvelope(p []byte) Envelope {
	return Envelope{Msg: KindData, Data: Bytes(p)}
}
