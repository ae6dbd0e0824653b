package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// captureLogOutput redirects the global logger to a buffer at the given
// level and format for the duration of f.
func captureLogOutput(t *testing.T, level Level, format Format, f func()) string {
	t.Helper()
	var buf bytes.Buffer
	InitLogger(level, format)
	SetOutput(&buf)
	t.Cleanup(func() {
		InitLogger(LevelWarn, FormatText)
	})
	f()
	return buf.String()
}

func TestInitLogger(t *testing.T) {
	tests := []struct {
		name   string
		level  Level
		format Format
	}{
		{"Debug level JSON format", LevelDebug, FormatJSON},
		{"Info level JSON format", LevelInfo, FormatJSON},
		{"Warn level Text format", LevelWarn, FormatText},
		{"Error level Text format", LevelError, FormatText},
		{"Default level (invalid value)", Level(999), FormatJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			InitLogger(tt.level, tt.format)
			if GetLogger() == nil {
				t.Error("Expected logger to be initialized, got nil")
			}
		})
	}
	InitLogger(LevelWarn, FormatText)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"", LevelInfo, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("json"); err != nil || f != FormatJSON {
		t.Errorf("ParseFormat(json) = %v, %v", f, err)
	}
	if f, err := ParseFormat("text"); err != nil || f != FormatText {
		t.Errorf("ParseFormat(text) = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("ParseFormat(xml) should fail")
	}
}

func TestConnID(t *testing.T) {
	ctx := WithConnID(context.Background(), "conn-1")
	if got := GetConnID(ctx); got != "conn-1" {
		t.Errorf("GetConnID() = %q, want conn-1", got)
	}
	if got := GetConnID(context.Background()); got != "" {
		t.Errorf("GetConnID() = %q, want empty", got)
	}
}

func TestLoggerFromContextAddsConnID(t *testing.T) {
	out := captureLogOutput(t, LevelInfo, FormatJSON, func() {
		InfoContext(WithConnID(context.Background(), "abc"), "opened")
	})
	var rec map[string]any
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if rec["conn_id"] != "abc" {
		t.Errorf("conn_id = %v, want abc", rec["conn_id"])
	}
	if rec["msg"] != "opened" {
		t.Errorf("msg = %v, want opened", rec["msg"])
	}
}

func TestLevelFiltering(t *testing.T) {
	out := captureLogOutput(t, LevelWarn, FormatText, func() {
		Debug("hidden-debug")
		Info("hidden-info")
		Warn("shown-warn")
		Error("shown-error")
	})
	if strings.Contains(out, "hidden") {
		t.Errorf("messages below level were written: %q", out)
	}
	if !strings.Contains(out, "shown-warn") || !strings.Contains(out, "shown-error") {
		t.Errorf("expected warn and error output, got %q", out)
	}
}

func TestStorageHelpers(t *testing.T) {
	tests := []struct {
		name string
		log  func()
		want []string
	}{
		{
			name: "StateTransition",
			log:  func() { StateTransition(nil, "a.db", "READER", "WRITER_LOCKED") },
			want: []string{"pager_state", "a.db", "WRITER_LOCKED"},
		},
		{
			name: "LockChange",
			log:  func() { LockChange(nil, "a.db", "SHARED", "RESERVED") },
			want: []string{"file_lock", "RESERVED"},
		},
		{
			name: "Recovery",
			log:  func() { Recovery(nil, "a.db", "journal", 3) },
			want: []string{"recovery", "journal", "pages=3"},
		},
		{
			name: "Checkpoint",
			log:  func() { Checkpoint(nil, "a.db", 10, 4) },
			want: []string{"wal_checkpoint", "frames=10"},
		},
		{
			name: "Balance",
			log:  func() { Balance(nil, "deeper", 2) },
			want: []string{"btree_balance", "kind=deeper", "page=2"},
		},
		{
			name: "Corruption",
			log:  func() { Corruption(nil, "a.db", 5, errors.New("bad cell")) },
			want: []string{"corruption", "page=5", "bad cell"},
		},
		{
			name: "Vacuum",
			log:  func() { Vacuum(nil, "a.db", 10, 7) },
			want: []string{"vacuum", "to_pages=7"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := captureLogOutput(t, LevelDebug, FormatText, tt.log)
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output %q missing %q", out, w)
				}
			}
		})
	}
}

func TestExplicitLoggerTakesPrecedence(t *testing.T) {
	var own bytes.Buffer
	InitLogger(LevelDebug, FormatText)
	SetOutput(&own)
	defer InitLogger(LevelWarn, FormatText)

	l := Discard()
	Balance(l, "quick", 9)
	if own.Len() != 0 {
		t.Errorf("global logger written despite explicit logger: %q", own.String())
	}
}
