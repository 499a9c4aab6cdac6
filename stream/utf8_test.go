// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestIncompleteUTF8Tail(t *testing.T) {
	t.Parallel()
	// Three- and four-byte encodings.
	check := "✓"
	emoji := "😀"
	tests := []struct {
		name string
		data []byte
		want int
	}{
		{"empty", nil, 0},
		{"ascii", []byte("abc"), 0},
		{"complete three byte", []byte("a" + check), 0},
		{"one of three", []byte("a" + check[:1]), 1},
		{"two of three", []byte("a" + check[:2]), 2},
		{"three of four", []byte(emoji[:3]), 3},
		{"complete four byte", []byte(emoji), 0},
		{"two byte lead only", []byte("é"[:1]), 1},
		{"stray continuation", []byte{'a', 0x80}, 0},
	}
	for _, test := range tests {
		if got := incompleteUTF8Tail(test.data); got != test.want {
			t.Errorf("%s: got %d, want %d", test.name, got, test.want)
		}
	}
}

func TestSplitChunks(t *testing.T) {
	t.Parallel()
	if got := SplitChunks("", 10); got != nil {
		t.Errorf("empty input: got %v", got)
	}
	if got := SplitChunks("short", 10); len(got) != 1 || got[0] != "short" {
		t.Errorf("fitting input: got %q", got)
	}

	input := strings.Repeat("ab✓", 1000)
	chunks := SplitChunks(input, 64)
	if joined := strings.Join(chunks, ""); joined != input {
		t.Fatal("chunks do not reassemble the input")
	}
	for i, chunk := range chunks {
		if len(chunk) > 64 {
			t.Errorf("chunk %d has %d bytes, limit 64", i, len(chunk))
		}
		if !utf8.ValidString(chunk) {
			t.Errorf("chunk %d splits a character: %q", i, chunk)
		}
	}
}
