package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn", Writer: &buf})
	logger.Info("hidden")
	logger.Warn("visible")
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("info line emitted at warn level: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("warn line missing: %s", buf.String())
	}
}

func TestNewDefaultsToJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})
	logger.Info("hello", "key", "value")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if record["key"] != "value" {
		t.Fatalf("attribute missing from record: %v", record)
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Format: "text"})
	logger.Info("hello")
	if json.Valid(buf.Bytes()) {
		t.Fatalf("expected text output, got JSON: %s", buf.String())
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := WithComponent(New(Config{Writer: &buf}), "worker")
	logger.Info("ready")
	if !strings.Contains(buf.String(), `"component":"worker"`) {
		t.Fatalf("component attribute missing: %s", buf.String())
	}
}

func TestConversionContext(t *testing.T) {
	ctx := ContextWithConversion(context.Background(), "abc123")
	hash, ok := ConversionFromContext(ctx)
	if !ok || hash != "abc123" {
		t.Fatalf("hash = %q, ok = %v", hash, ok)
	}
	if _, ok := ConversionFromContext(context.Background()); ok {
		t.Fatalf("empty context should not carry a hash")
	}

	var buf bytes.Buffer
	WithContext(ctx, New(Config{Writer: &buf})).Info("converted")
	if !strings.Contains(buf.String(), `"hash":"abc123"`) {
		t.Fatalf("hash attribute missing: %s", buf.String())
	}
}
