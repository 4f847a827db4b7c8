package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "valid text logger",
			config: Config{Level: "info", Format: "text", Output: "stdout", Component: "test"},
		},
		{
			name:   "valid json logger",
			config: Config{Level: "debug", Format: "json", Output: "stderr", Component: "test"},
		},
		{
			name:   "invalid log level falls back to info",
			config: Config{Level: "invalid", Format: "text", Output: "stdout", Component: "test"},
		},
		{
			name:   "empty values use defaults",
			config: Config{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if logger == nil {
				t.Error("New() returned nil logger")
			}
		})
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer

	logger, err := New(Config{Level: "debug", Format: "json", Output: "stdout", Component: "test"})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	logger.Logger = slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	tests := []struct {
		name   string
		method func(msg string, args ...any)
	}{
		{"debug", logger.Debug},
		{"info", logger.Info},
		{"warn", logger.Warn},
		{"error", logger.Error},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.method("test message", "key", "value")

			if buf.String() == "" {
				t.Errorf("no output for %s level", tt.name)
			}

			var logEntry map[string]interface{}
			if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
				t.Errorf("output is not valid JSON: %v", err)
			}
			if logEntry["level"] == nil {
				t.Error("missing level field")
			}
			if logEntry["msg"] == nil {
				t.Error("missing msg field")
			}
		})
	}
}

func TestWithComponent(t *testing.T) {
	logger, _ := New(Config{Level: "info", Format: "text", Output: "stdout", Component: "base"})

	newLogger := logger.WithComponent("megolm")
	if newLogger == nil {
		t.Fatal("WithComponent() returned nil")
	}
	if newLogger == logger {
		t.Error("WithComponent() returned same instance")
	}
}

func TestWithRoomID(t *testing.T) {
	logger, _ := New(Config{Level: "info", Format: "text", Output: "stdout", Component: "base"})

	newLogger := logger.WithRoomID("!abc:example.org")
	if newLogger == nil {
		t.Fatal("WithRoomID() returned nil")
	}
	if newLogger == logger {
		t.Error("WithRoomID() returned same instance")
	}
}

func TestWithDevice(t *testing.T) {
	logger, _ := New(Config{Level: "info", Format: "text", Output: "stdout", Component: "base"})

	newLogger := logger.WithDevice("@alice:example.org", "DEVICEID")
	if newLogger == nil {
		t.Fatal("WithDevice() returned nil")
	}
	if newLogger == logger {
		t.Error("WithDevice() returned same instance")
	}
}

func TestCryptoEvent(t *testing.T) {
	var buf bytes.Buffer

	logger, _ := New(Config{Level: "info", Format: "json", Output: "stdout", Component: "test"})
	logger.Logger = slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx := context.Background()
	logger.CryptoEvent(ctx, "test_event",
		slog.String("test_key", "test_value"),
		slog.Int("test_int", 42),
	)

	if buf.String() == "" {
		t.Fatal("CryptoEvent() produced no output")
	}

	var logEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}

	if logEntry["event_type"] != "test_event" {
		t.Errorf("event_type = %v, want test_event", logEntry["event_type"])
	}
	if logEntry["category"] != "crypto" {
		t.Errorf("category = %v, want crypto", logEntry["category"])
	}
	if logEntry["test_key"] != "test_value" {
		t.Errorf("test_key = %v, want test_value", logEntry["test_key"])
	}
	if logEntry["test_int"] != float64(42) {
		t.Errorf("test_int = %v, want 42", logEntry["test_int"])
	}

	if logEntry["timestamp"] == nil {
		t.Error("missing timestamp field")
	} else if _, err := time.Parse(time.RFC3339, logEntry["timestamp"].(string)); err != nil {
		t.Errorf("invalid timestamp format: %v", err)
	}
}

func TestErrorEvent(t *testing.T) {
	var buf bytes.Buffer

	logger, _ := New(Config{Level: "info", Format: "json", Output: "stdout", Component: "test"})
	logger.Logger = slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelError}))

	ctx := context.Background()
	logger.ErrorEvent(ctx, "file not found", os.ErrNotExist,
		slog.String("file_path", "/tmp/test.txt"),
	)

	if buf.String() == "" {
		t.Fatal("ErrorEvent() produced no output")
	}

	var logEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}

	if logEntry["error"] == nil {
		t.Error("missing error field")
	}
	if logEntry["error_type"] == nil {
		t.Error("missing error_type field")
	}
	if logEntry["file_path"] != "/tmp/test.txt" {
		t.Errorf("file_path = %v, want /tmp/test.txt", logEntry["file_path"])
	}
}

func TestGlobalLogger(t *testing.T) {
	globalLogger = nil
	once = sync.Once{}

	logger := Global()
	if logger == nil {
		t.Fatal("Global() returned nil")
	}

	Info("test info")
	Warn("test warn")
	Error("test error")
	Debug("test debug")

	Initialize("info", "text", "stdout")

	Info("test info 2")
	Warn("test warn 2")
	Error("test error 2")
	Debug("test debug 2")
}

func TestFileOutput(t *testing.T) {
	tmpDir := os.TempDir()
	logFile := filepath.Join(tmpDir, "test-logger-"+time.Now().Format("20060102150405")+".log")

	logger, err := New(Config{Level: "info", Format: "json", Output: logFile, Component: "test"})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	logger.Info("test message to file", "key", "value")
	time.Sleep(100 * time.Millisecond)

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if len(data) == 0 {
		t.Error("log file is empty")
	}

	var logEntry map[string]interface{}
	if err := json.Unmarshal(data, &logEntry); err != nil {
		t.Errorf("log file content is not valid JSON: %v", err)
	}
	if logEntry["msg"] != "test message to file" {
		t.Errorf("msg = %v, want 'test message to file'", logEntry["msg"])
	}

	os.Remove(logFile)
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer

	logger, _ := New(Config{Level: "info", Format: "json", Output: "stdout", Component: "test-component"})
	logger.Logger = slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	logger.Info("test message", "key1", "value1", "key2", 42)

	var logEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}

	for _, field := range []string{"time", "level", "msg"} {
		if logEntry[field] == nil {
			t.Errorf("missing required field: %s", field)
		}
	}
	if logEntry["msg"] != "test message" {
		t.Errorf("msg = %v, want 'test message'", logEntry["msg"])
	}
	if logEntry["key1"] != "value1" {
		t.Errorf("key1 = %v, want 'value1'", logEntry["key1"])
	}
	if logEntry["key2"] != float64(42) {
		t.Errorf("key2 = %v, want 42", logEntry["key2"])
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer

	logger, _ := New(Config{Level: "info", Format: "text", Output: "stdout", Component: "test-component"})
	logger.Logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	logger.Info("test message", "key", "value")

	output := buf.String()
	if output == "" {
		t.Fatal("no output for text format")
	}
	if !strings.Contains(output, "test message") {
		t.Error("output doesn't contain message")
	}
	if !strings.Contains(output, "key=value") {
		t.Error("output doesn't contain key=value pair")
	}
}

func TestInitialize(t *testing.T) {
	globalLogger = nil
	once = sync.Once{}

	tests := []struct {
		name   string
		level  string
		format string
		output string
	}{
		{"valid initialization", "info", "json", "stdout"},
		{"empty values use defaults", "", "", ""},
		{"debug level", "debug", "text", "stderr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			globalLogger = nil
			once = sync.Once{}

			if err := Initialize(tt.level, tt.format, tt.output); err != nil {
				t.Errorf("Initialize() error = %v", err)
			}
			if globalLogger == nil {
				t.Error("Initialize() didn't set globalLogger")
			}
		})
	}
}

func BenchmarkLoggerJSON(b *testing.B) {
	logger, _ := New(Config{Level: "info", Format: "json", Output: "stdout", Component: "bench"})

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.CryptoEvent(ctx, "bench_event", slog.String("key", "value"), slog.Int("iteration", i))
	}
}

func BenchmarkLoggerText(b *testing.B) {
	logger, _ := New(Config{Level: "info", Format: "text", Output: "stdout", Component: "bench"})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Info("bench message", "iteration", i)
	}
}
