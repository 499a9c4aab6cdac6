// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"fmt"
	"strconv"
	"strings"
)

// SanitizeMode selects how a Sanitizer treats alternate-screen and
// scroll-region control sequences.
type SanitizeMode int

const (
	// SanitizeOff passes output through untouched.
	SanitizeOff SanitizeMode = iota

	// SanitizeStrip removes the DEC private mode sequences that switch
	// to and from the alternate screen (modes 47, 1047, 1049), so
	// full-screen programs draw into the scrollback-visible stream.
	SanitizeStrip

	// SanitizeNormalize strips like SanitizeStrip and also rewrites
	// scroll-region (DECSTBM) sequences to the full-screen reset
	// while the alternate screen is active or when the region is not
	// the full screen, so region scrolling lands in scrollback.
	SanitizeNormalize
)

// ParseSanitizeMode maps "off", "strip", or "normalize" to a mode.
func ParseSanitizeMode(name string) (SanitizeMode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "off", "none", "":
		return SanitizeOff, nil
	case "strip":
		return SanitizeStrip, nil
	case "normalize":
		return SanitizeNormalize, nil
	}
	return SanitizeOff, fmt.Errorf("unknown sanitize mode %q (want off, strip, or normalize)", name)
}

func (m SanitizeMode) String() string {
	switch m {
	case SanitizeStrip:
		return "strip"
	case SanitizeNormalize:
		return "normalize"
	default:
		return "off"
	}
}

// maxSequenceLength bounds how many bytes of an unterminated control
// sequence are held back between chunks. Longer sequences are passed
// through as text.
const maxSequenceLength = 256

const scrollRegionReset = "\x1b[r"

// Sanitizer is a stateful output filter owned by one attachment.
// Feeding it chunks in order produces the same output as feeding it
// their concatenation, followed by Flush. It is not safe for
// concurrent use.
type Sanitizer struct {
	mode      SanitizeMode
	altScreen bool
	rows      int
	held      string
}

// NewSanitizer returns a Sanitizer in the given mode with the
// alternate screen inactive.
func NewSanitizer(mode SanitizeMode) *Sanitizer {
	return &Sanitizer{mode: mode}
}

// SetRows records the terminal height. A scroll region spanning rows
// 1..rows is the full screen and is left alone in normalize mode.
// Zero means unknown: any explicit bottom margin is then treated as a
// partial region.
func (s *Sanitizer) SetRows(rows int) { s.rows = rows }

// AltScreen reports whether the last alternate-screen toggle seen
// switched it on.
func (s *Sanitizer) AltScreen() bool { return s.altScreen }

// Flush returns any bytes held back waiting for the rest of a control
// sequence. Call it when the stream ends.
func (s *Sanitizer) Flush() string {
	held := s.held
	s.held = ""
	return held
}

// Feed filters one chunk. A control sequence cut off at the end of
// chunk is held back and completed by the next call.
func (s *Sanitizer) Feed(chunk string) string {
	if s.mode == SanitizeOff {
		return chunk
	}
	data := chunk
	if s.held != "" {
		data = s.held + chunk
		s.held = ""
	}

	var out strings.Builder
	out.Grow(len(data))
	i := 0
	for i < len(data) {
		escape := strings.IndexByte(data[i:], 0x1b)
		if escape < 0 {
			out.WriteString(data[i:])
			break
		}
		out.WriteString(data[i : i+escape])
		i += escape

		if i+1 >= len(data) {
			s.held = data[i:]
			break
		}
		if data[i+1] != '[' {
			out.WriteByte(0x1b)
			i++
			continue
		}

		end, state := scanCSI(data, i)
		switch state {
		case csiIncomplete:
			s.held = data[i:]
			i = len(data)
		case csiMalformed:
			out.WriteString(data[i:end])
			i = end
		case csiComplete:
			out.WriteString(s.rewrite(data[i:end]))
			i = end
		}
	}
	return out.String()
}

type csiState int

const (
	csiComplete csiState = iota
	csiIncomplete
	csiMalformed
)

// scanCSI scans the control sequence introduced by "ESC [" at start.
// For a complete sequence end is one past the final byte. For a
// malformed or overlong one, end is where scanning stopped and the
// bytes before it should be passed through verbatim.
func scanCSI(data string, start int) (end int, state csiState) {
	j := start + 2
	for ; j < len(data); j++ {
		if j-start >= maxSequenceLength {
			return j, csiMalformed
		}
		c := data[j]
		switch {
		case c >= 0x20 && c <= 0x3f:
			// Parameter (0x30-0x3f) and intermediate (0x20-0x2f) bytes.
		case c >= 0x40 && c <= 0x7e:
			return j + 1, csiComplete
		default:
			return j, csiMalformed
		}
	}
	return j, csiIncomplete
}

// rewrite applies the mode's policy to one complete CSI sequence.
func (s *Sanitizer) rewrite(sequence string) string {
	body := sequence[2 : len(sequence)-1]
	final := sequence[len(sequence)-1]

	if (final == 'h' || final == 'l') && strings.HasPrefix(body, "?") {
		return s.rewritePrivateMode(body[1:], final)
	}
	if final == 'r' && s.mode == SanitizeNormalize {
		return s.rewriteScrollRegion(sequence, body)
	}
	return sequence
}

func (s *Sanitizer) rewritePrivateMode(params string, final byte) string {
	if strings.ContainsAny(params, " !\"#$%&'()*+,-./<=>?") {
		return "\x1b[?" + params + string(final)
	}
	parts := strings.Split(params, ";")
	var kept []string
	toggled := false
	for _, part := range parts {
		switch part {
		case "47", "1047", "1049":
			toggled = true
		default:
			kept = append(kept, part)
		}
	}
	if !toggled {
		return "\x1b[?" + params + string(final)
	}
	if s.mode == SanitizeNormalize {
		s.altScreen = final == 'h'
	}
	if len(kept) == 0 {
		return ""
	}
	return "\x1b[?" + strings.Join(kept, ";") + string(final)
}

func (s *Sanitizer) rewriteScrollRegion(sequence, body string) string {
	if body == "" || body == ";" {
		return sequence
	}
	topText, bottomText, _ := strings.Cut(body, ";")
	top, topErr := parseParam(topText)
	bottom, bottomErr := parseParam(bottomText)
	if topErr != nil || bottomErr != nil {
		// Private or otherwise non-DECSTBM "r" sequences.
		return sequence
	}
	partial := top > 1 || (bottom > 0 && (s.rows == 0 || bottom != s.rows))
	if s.altScreen || partial {
		return scrollRegionReset
	}
	return sequence
}

// parseParam parses one numeric CSI parameter. Empty is zero, which
// terminals read as the default.
func parseParam(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	return strconv.Atoi(text)
}
