package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestProviderExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig("test-service")
	cfg.Writer = &buf
	p, err := NewProvider(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	_, span := StartSpan(context.Background(), "relay.submit")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "relay.submit") {
		t.Fatalf("span not exported: %s", buf.String())
	}
}

func TestUnsupportedExporter(t *testing.T) {
	cfg := DefaultConfig("x")
	cfg.ExporterType = "jaeger"
	if _, err := NewProvider(context.Background(), cfg); err == nil {
		t.Fatal("want error")
	}
}
