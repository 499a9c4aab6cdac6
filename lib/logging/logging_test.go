// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input string
		want  slog.Level
		err   bool
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "", want: slog.LevelInfo},
		{input: "INFO", want: slog.LevelInfo},
		{input: "warning", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "trace", err: true},
	}
	for _, test := range tests {
		got, err := ParseLevel(test.input)
		if (err != nil) != test.err || (!test.err && got != test.want) {
			t.Errorf("ParseLevel(%q) = %v, %v", test.input, got, err)
		}
	}
}

func TestNewWriterJSON(t *testing.T) {
	t.Parallel()
	var buffer bytes.Buffer
	logger := NewWriter(&buffer, false, slog.LevelInfo)
	logger.Debug("hidden")
	logger.Info("viewer attached", "session_id", "s1")

	var record map[string]any
	if err := json.Unmarshal(buffer.Bytes(), &record); err != nil {
		t.Fatalf("output is not one JSON record: %v\n%s", err, buffer.String())
	}
	if record["msg"] != "viewer attached" || record["session_id"] != "s1" {
		t.Errorf("record = %v", record)
	}
}

func TestNewWriterText(t *testing.T) {
	t.Parallel()
	var buffer bytes.Buffer
	NewWriter(&buffer, true, slog.LevelDebug).Debug("resize", "cols", 80)
	if output := buffer.String(); !strings.Contains(output, "msg=resize") || !strings.Contains(output, "cols=80") {
		t.Errorf("text output = %q", output)
	}
}
