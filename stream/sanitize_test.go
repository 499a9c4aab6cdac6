// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"strings"
	"testing"
)

func TestSanitizerStrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"toggle pair", "\x1b[?1049hpayload\x1b[?1049l", "payload"},
		{"mode 47", "a\x1b[?47hb\x1b[?47lc", "abc"},
		{"mode 1047", "\x1b[?1047hx\x1b[?1047l", "x"},
		{"combined keeps other modes", "\x1b[?1049;25hx", "\x1b[?25hx"},
		{"cursor show untouched", "\x1b[?25l\x1b[?25h", "\x1b[?25l\x1b[?25h"},
		{"sgr untouched", "\x1b[1;31mred\x1b[0m", "\x1b[1;31mred\x1b[0m"},
		{"scroll region untouched in strip", "\x1b[5;10r", "\x1b[5;10r"},
		{"non-private 1049 untouched", "\x1b[1049h", "\x1b[1049h"},
		{"bare escape", "\x1bMx", "\x1bMx"},
		{"utf8 payload", "\x1b[?1049hnaïve ✓\x1b[?1049l", "naïve ✓"},
	}
	for _, test := range tests {
		sanitizer := NewSanitizer(SanitizeStrip)
		got := sanitizer.Feed(test.input) + sanitizer.Flush()
		if got != test.want {
			t.Errorf("%s: got %q, want %q", test.name, got, test.want)
		}
	}
}

func TestSanitizerNormalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		rows  int
		input string
		want  string
	}{
		{"region inside alt screen", 24, "\x1b[?1049h\x1b[1;24r", "\x1b[r"},
		{"full region outside alt screen", 24, "\x1b[1;24r", "\x1b[1;24r"},
		{"partial region outside alt screen", 24, "\x1b[2;20r", "\x1b[r"},
		{"top only", 24, "\x1b[3r", "\x1b[r"},
		{"unknown rows treats bottom as partial", 0, "\x1b[1;24r", "\x1b[r"},
		{"reset passes", 24, "\x1b[?1049h\x1b[r", "\x1b[r"},
		{"semicolon reset passes", 24, "\x1b[;r", "\x1b[;r"},
		{"after alt screen exit", 24, "\x1b[?1049h\x1b[?1049l\x1b[1;24r", "\x1b[1;24r"},
		{"private r untouched", 24, "\x1b[?1r", "\x1b[?1r"},
	}
	for _, test := range tests {
		sanitizer := NewSanitizer(SanitizeNormalize)
		sanitizer.SetRows(test.rows)
		got := sanitizer.Feed(test.input) + sanitizer.Flush()
		if got != test.want {
			t.Errorf("%s: got %q, want %q", test.name, got, test.want)
		}
	}
}

func TestSanitizerAltScreenState(t *testing.T) {
	t.Parallel()
	sanitizer := NewSanitizer(SanitizeNormalize)
	sanitizer.Feed("\x1b[?1049h")
	if !sanitizer.AltScreen() {
		t.Error("alt screen not active after toggle-on")
	}
	sanitizer.Feed("\x1b[?1049l")
	if sanitizer.AltScreen() {
		t.Error("alt screen still active after toggle-off")
	}
}

func TestSanitizerOff(t *testing.T) {
	t.Parallel()
	input := "\x1b[?1049hx\x1b[2;5r\x1b"
	sanitizer := NewSanitizer(SanitizeOff)
	if got := sanitizer.Feed(input); got != input {
		t.Errorf("off mode changed input: got %q", got)
	}
}

// Every way of splitting the input into two chunks must produce the
// same output as feeding it whole.
func TestSanitizerChunkEquivalence(t *testing.T) {
	t.Parallel()
	input := "start\x1b[?1049h\x1b[1;31mcolored\x1b[0m\x1b[2;10rregion" +
		"\x1b[?1049;25l tail \x1b[?47h✓\x1b[?47l\x1bMend\x1b[12"
	for _, mode := range []SanitizeMode{SanitizeStrip, SanitizeNormalize} {
		whole := NewSanitizer(mode)
		whole.SetRows(24)
		want := whole.Feed(input) + whole.Flush()

		for split := 0; split <= len(input); split++ {
			chunked := NewSanitizer(mode)
			chunked.SetRows(24)
			got := chunked.Feed(input[:split]) + chunked.Feed(input[split:]) + chunked.Flush()
			if got != want {
				t.Fatalf("%v split at %d: got %q, want %q", mode, split, got, want)
			}
		}

		byteWise := NewSanitizer(mode)
		byteWise.SetRows(24)
		var got strings.Builder
		for i := 0; i < len(input); i++ {
			got.WriteString(byteWise.Feed(input[i : i+1]))
		}
		got.WriteString(byteWise.Flush())
		if got.String() != want {
			t.Errorf("%v byte-at-a-time: got %q, want %q", mode, got.String(), want)
		}
	}
}

func TestSanitizerOverlongSequencePassesThrough(t *testing.T) {
	t.Parallel()
	input := "\x1b[" + strings.Repeat("1;", 200) + "m"
	sanitizer := NewSanitizer(SanitizeStrip)
	got := sanitizer.Feed(input[:300]) + sanitizer.Feed(input[300:]) + sanitizer.Flush()
	if got != input {
		t.Errorf("overlong sequence altered: got %d bytes, want %d", len(got), len(input))
	}
}

func TestParseSanitizeMode(t *testing.T) {
	t.Parallel()
	for name, want := range map[string]SanitizeMode{
		"off": SanitizeOff, "strip": SanitizeStrip, "Normalize": SanitizeNormalize,
	} {
		got, err := ParseSanitizeMode(name)
		if err != nil || got != want {
			t.Errorf("ParseSanitizeMode(%q) = %v, %v; want %v", name, got, err, want)
		}
	}
	if _, err := ParseSanitizeMode("bogus"); err == nil {
		t.Error("ParseSanitizeMode(bogus) succeeded")
	}
}
