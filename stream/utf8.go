// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import "unicode/utf8"

// incompleteUTF8Tail returns how many trailing bytes of data are the
// start of a multi-byte character whose remaining bytes have not
// arrived yet. Those bytes must be carried into the next read rather
// than decoded now.
func incompleteUTF8Tail(data []byte) int {
	// Walk back over at most three continuation bytes to the lead byte.
	for back := 1; back <= utf8.UTFMax-1 && back <= len(data); back++ {
		lead := data[len(data)-back]
		if !utf8.RuneStart(lead) {
			continue
		}
		if lead < utf8.RuneSelf {
			return 0
		}
		if expected := sequenceLength(lead); expected > back {
			return back
		}
		return 0
	}
	return 0
}

// sequenceLength returns the encoded length announced by a UTF-8 lead
// byte, or 1 for bytes that cannot start a sequence.
func sequenceLength(lead byte) int {
	switch {
	case lead&0xe0 == 0xc0:
		return 2
	case lead&0xf0 == 0xe0:
		return 3
	case lead&0xf8 == 0xf0:
		return 4
	default:
		return 1
	}
}

// SplitChunks splits s into pieces of at most max bytes without
// cutting a multi-byte character. Empty input yields no chunks.
func SplitChunks(s string, max int) []string {
	if s == "" {
		return nil
	}
	if max <= 0 || len(s) <= max {
		return []string{s}
	}
	chunks := make([]string, 0, len(s)/max+1)
	for len(s) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			// No rune boundary within max bytes: the input is not
			// valid UTF-8 here, so cut at max.
			cut = max
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}
