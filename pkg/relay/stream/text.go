// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"bytes"
	"unicode/utf8"
)

// textDecoder turns socket chunks into valid UTF-8 text. A multi-byte
// sequence split across reads is held back until it completes.
type textDecoder struct {
	pending []byte
}

func (d *textDecoder) decode(chunk []byte) []byte {
	var p []byte
	if len(d.pending) > 0 {
		p = append(d.pending, chunk...)
		d.pending = nil
	} else {
		p = bytes.Clone(chunk)
	}

	if cut := incompleteSuffix(p); cut > 0 {
		d.pending = bytes.Clone(p[len(p)-cut:])
		p = p[:len(p)-cut]
	}

	if utf8.Valid(p) {
		return p
	}
	return bytes.ToValidUTF8(p, []byte(string(utf8.RuneError)))
}

// flush returns whatever is held back, with truncated runes replaced.
func (d *textDecoder) flush() []byte {
	if len(d.pending) == 0 {
		return nil
	}
	p := bytes.ToValidUTF8(d.pending, []byte(string(utf8.RuneError)))
	d.pending = nil
	return p
}

// incompleteSuffix returns the length of a truncated rune at the end of p.
func incompleteSuffix(p []byte) int {
	for i := 1; i < utf8.UTFMax && i <= len(p); i++ {
		if utf8.RuneStart(p[len(p)-i]) {
			if utf8.FullRune(p[len(p)-i:]) {
				return 0
			}
			return i
		}
	}
	return 0
}
