package logger

import (
	"bytes"
	"strings"
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(WARN)
	defer func() {
		SetLevel(INFO)
		SetOutput(&bytes.Buffer{})
	}()

	Debug("bond", "hidden %d", 1)
	Info("bond", "hidden too")
	Warn("bond", "visible %s", "warning")
	Error("", "visible error")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Expected DEBUG/INFO lines to be filtered, got %q", out)
	}
	if !strings.Contains(out, "[WARN] bond: visible warning") {
		t.Errorf("Expected warning line, got %q", out)
	}
	if !strings.Contains(out, "[ERROR] visible error") {
		t.Errorf("Expected error line without prefix, got %q", out)
	}
}

func TestLogger_ParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"trace":   TRACE,
		"DEBUG":   DEBUG,
		" info ":  INFO,
		"warning": WARN,
		"ERROR":   ERROR,
		"bogus":   INFO,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q): expected %v, got %v", in, want, got)
		}
	}
}

func TestLogger_ToJSON(t *testing.T) {
	msg, err := structpb.NewStruct(map[string]interface{}{"kind": "bond_state"})
	if err != nil {
		t.Fatalf("Failed to build struct: %v", err)
	}
	if out := ToJSON(msg); !strings.Contains(out, "bond_state") {
		t.Errorf("Expected protojson output, got %q", out)
	}
	if out := ToJSON(map[string]int{"attempts": 2}); !strings.Contains(out, "\"attempts\": 2") {
		t.Errorf("Expected json output, got %q", out)
	}
}

func TestLogger_DebugJSON(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer func() {
		SetLevel(INFO)
		SetOutput(&bytes.Buffer{})
	}()

	SetLevel(INFO)
	DebugJSON("main", "configuration", map[string]int{"max_retries": 3})
	if buf.Len() != 0 {
		t.Errorf("Expected nothing at INFO, got %q", buf.String())
	}

	SetLevel(DEBUG)
	DebugJSON("main", "configuration", map[string]int{"max_retries": 3})
	if out := buf.String(); !strings.Contains(out, "[DEBUG] main: configuration:") || !strings.Contains(out, "\"max_retries\": 3") {
		t.Errorf("Expected debug json line, got %q", out)
	}
}
