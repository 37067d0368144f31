package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	log.Info("hello", "key", "value")

	out := buf.String()
	if !strings.Contains(out, "hello") {
		t.Fatalf("missing message: %s", out)
	}
	if !strings.Contains(out, `"key":"value"`) {
		t.Fatalf("missing attr: %s", out)
	}
	if !strings.Contains(out, `"level":"INFO"`) {
		t.Fatalf("missing level: %s", out)
	}
}

func TestJSONLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Debug("hidden")
	log.Info("hidden")
	if buf.Len() > 0 {
		t.Fatalf("info leaked through warn level: %s", buf.String())
	}

	log.Warn("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("warn filtered out: %s", buf.String())
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	log := Discard()
	log.Debug("a")
	log.Info("b")
	log.Warn("c")
	log.Error("d")
}

func TestWithAndWithGroup(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)

	log.With("component", "store").Info("child")
	if !strings.Contains(buf.String(), `"component":"store"`) {
		t.Fatalf("missing With attr: %s", buf.String())
	}

	buf.Reset()
	log.WithGroup("run").Info("grouped", "id", "abc")
	if !strings.Contains(buf.String(), "grouped") {
		t.Fatalf("missing grouped message: %s", buf.String())
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)

	ctx := WithContext(context.Background(), log)
	FromContext(ctx).Info("roundtrip")
	if !strings.Contains(buf.String(), "roundtrip") {
		t.Fatalf("context logger not used: %s", buf.String())
	}

	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext without logger returned nil")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := ParseLevel(tc.input); got != tc.want {
			t.Errorf("ParseLevel(%q): got %v want %v", tc.input, got, tc.want)
		}
	}
}

func TestPrettyOutput(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Pretty(&buf, slog.LevelDebug)
	log.Info("loaded program", "methods", 2)
	log.Debug("bind", "method", "forward")

	out := buf.String()
	if !strings.Contains(out, "loaded program") {
		t.Fatalf("missing message: %s", out)
	}
	if !strings.Contains(out, "methods=2") {
		t.Fatalf("missing attr: %s", out)
	}
	if !strings.Contains(out, "method=forward") {
		t.Fatalf("missing debug record: %s", out)
	}
}

func TestPrettyHandlerEnabled(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info enabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("warn disabled at warn level")
	}
}

func TestPrettyHandlerAttrsAndGroups(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)

	log := slog.New(h.WithAttrs([]slog.Attr{slog.String("service", "plinth")}))
	log.Info("with attrs")
	if !strings.Contains(buf.String(), "service=plinth") {
		t.Fatalf("missing handler attr: %s", buf.String())
	}

	buf.Reset()
	log = slog.New(h.WithGroup("run").(*PrettyHandler).WithGroup("op"))
	log.Info("nested", "key", "val")
	if !strings.Contains(buf.String(), "run.op.key=val") {
		t.Fatalf("missing nested group prefix: %s", buf.String())
	}

	if h.WithGroup("") != h {
		t.Fatal("WithGroup(\"\") should return the receiver")
	}
}

func TestPrettyQuoting(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := slog.New(NewPrettyHandler(&buf, nil))
	log.Info("quoting", "path", "with space", "name", "plain")

	out := buf.String()
	if !strings.Contains(out, `path="with space"`) {
		t.Fatalf("spaced string not quoted: %s", out)
	}
	if strings.Contains(out, `name="plain"`) {
		t.Fatalf("plain string quoted: %s", out)
	}
}
