package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{
		Level:  LevelDebug,
		Output: &buf,
		JSON:   true,
	}

	logger := New(cfg)
	if logger == nil {
		t.Fatal("New logger should not be nil")
	}

	t.Run("Levels", func(t *testing.T) {
		for _, tc := range []struct {
			log func(string, ...any)
			msg string
		}{
			{logger.Debug, "debug msg"},
			{logger.Info, "info msg"},
			{logger.Warn, "warn msg"},
			{logger.Error, "error msg"},
		} {
			buf.Reset()
			tc.log(tc.msg)
			if !strings.Contains(buf.String(), tc.msg) {
				t.Errorf("expected %q in output, got %q", tc.msg, buf.String())
			}
		}
	})

	t.Run("DynamicLevel", func(t *testing.T) {
		logger.SetLevel(LevelError)
		if logger.GetLevel() != LevelError {
			t.Error("SetLevel failed")
		}

		buf.Reset()
		logger.Info("should not appear")
		if buf.Len() > 0 {
			t.Error("Logged info message when level was Error")
		}

		logger.SetLevel(LevelDebug)
	})

	t.Run("WithComponent", func(t *testing.T) {
		buf.Reset()
		l := logger.WithComponent("test-comp")
		l.Info("msg")
		if !strings.Contains(buf.String(), "test-comp") {
			t.Error("WithComponent missing component field")
		}
	})

	t.Run("WithFields", func(t *testing.T) {
		buf.Reset()
		l := logger.WithFields(map[string]any{"foo": "bar"})
		l.Info("msg")
		if !strings.Contains(buf.String(), "foo") || !strings.Contains(buf.String(), "bar") {
			t.Error("WithFields missing fields")
		}
	})

	t.Run("WithHandler", func(t *testing.T) {
		buf.Reset()
		var extra bytes.Buffer
		l := logger.WithHandler(slog.NewTextHandler(&extra, nil))
		l.Info("tee")
		if !strings.Contains(buf.String(), "tee") || !strings.Contains(extra.String(), "tee") {
			t.Errorf("expected both handlers to receive record: %q / %q", buf.String(), extra.String())
		}
	})
}

func TestDefaultLogger(t *testing.T) {
	l := Default()
	if l == nil {
		t.Fatal("Default logger is nil")
	}
	defer SetDefault(l)

	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	SetDefault(New(cfg))

	Info("info")
	Warn("warn")
	Error("error")
	WithComponent("comp").Info("comp msg")

	if !strings.Contains(buf.String(), "comp: comp msg") {
		t.Errorf("unexpected console output: %q", buf.String())
	}
	if OrDefault(nil) != Default() {
		t.Error("OrDefault(nil) should return the default logger")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"":        LevelInfo,
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestRingBuffer(t *testing.T) {
	t.Run("AddAndGet", func(t *testing.T) {
		rb := NewRingBuffer(5)
		rb.Add(LogEntry{Message: "msg1", Source: "src1"})

		if rb.Count() != 1 {
			t.Errorf("Count expected 1, got %d", rb.Count())
		}
		all := rb.GetAll()
		if len(all) != 1 || all[0].Message != "msg1" {
			t.Error("GetAll returned incorrect data")
		}
	})

	t.Run("Overflow", func(t *testing.T) {
		rb := NewRingBuffer(5)
		for i := 0; i < 7; i++ {
			rb.Add(LogEntry{Message: string(rune('a' + i))})
		}
		if rb.Count() != 5 {
			t.Errorf("Count should be capped at size 5, got %d", rb.Count())
		}
		all := rb.GetAll()
		if all[0].Message != "c" || all[4].Message != "g" {
			t.Errorf("unexpected order after wrap: %+v", all)
		}
	})

	t.Run("GetLast", func(t *testing.T) {
		rb := NewRingBuffer(5)
		rb.Add(LogEntry{Message: "1"})
		rb.Add(LogEntry{Message: "2"})
		rb.Add(LogEntry{Message: "3"})

		last2 := rb.GetLast(2)
		if len(last2) != 2 || last2[0].Message != "2" || last2[1].Message != "3" {
			t.Errorf("GetLast returned wrong items: %+v", last2)
		}
		if len(rb.GetLast(0)) != 0 {
			t.Error("GetLast(0) should return empty")
		}
		if len(rb.GetLast(10)) != 3 {
			t.Error("GetLast(>count) should return all items")
		}
	})
}

func TestLevelFromSlog(t *testing.T) {
	if LevelFromSlog(slog.LevelDebug) != "debug" || LevelFromSlog(slog.LevelError+4) != "error" {
		t.Error("LevelFromSlog mapping incorrect")
	}
}

func TestLineWriter(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelDebug, Output: &buf, JSON: true})
	w := NewLineWriter(l.WithFields(map[string]any{"stream": "stdout"}), LevelInfo)

	w.Write([]byte("first line\nsecond "))
	w.Write([]byte("line\r\n\npartial"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 records before flush, got %d: %q", len(lines), buf.String())
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &rec); err != nil {
		t.Fatalf("bad json: %v", err)
	}
	if rec["msg"] != "second line" || rec["stream"] != "stdout" {
		t.Errorf("unexpected record: %v", rec)
	}

	w.Flush()
	if !strings.Contains(buf.String(), "partial") {
		t.Error("Flush did not emit buffered partial line")
	}
}

func TestJSONLogParsing(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Output: &buf, JSON: true})

	l.Info("json test", "key", "value")

	var data map[string]any
	if err := json.Unmarshal(buf.Bytes(), &data); err != nil {
		t.Fatalf("Failed to parse JSON log: %v", err)
	}
	if data["msg"] != "json test" || data["key"] != "value" || data["level"] != "INFO" {
		t.Errorf("unexpected JSON record: %v", data)
	}
}
