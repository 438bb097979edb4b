package log_test

import (
	"context"
	"testing"

	"github.com/jrife/viewsync/utils/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerRoundTrip(t *testing.T) {
	logger := zap.NewNop()
	ctx := log.WithLogger(context.Background(), logger)

	if log.Logger(ctx) != logger {
		t.Fatalf("expected the context logger to round trip")
	}
}

func TestLoggerFromContextPrefersContextLogger(t *testing.T) {
	core, recorded := observer.New(zap.DebugLevel)
	contextLogger := zap.New(core)
	ctx := log.WithLogger(context.Background(), contextLogger)

	logger, ctx := log.LoggerFromContext(ctx, zap.NewNop())
	logger.Debug("hello")

	if recorded.Len() != 1 {
		t.Fatalf("expected the context logger to record the entry, got %d entries", recorded.Len())
	}

	if log.Logger(ctx) != contextLogger {
		t.Fatalf("expected the context logger to be retained")
	}
}

func TestLoggerFromContextAttachesDefault(t *testing.T) {
	defaultLogger := zap.NewNop()

	logger, ctx := log.LoggerFromContext(context.Background(), defaultLogger)

	if logger != defaultLogger {
		t.Fatalf("expected the default logger to be returned")
	}

	if log.Logger(ctx) != defaultLogger {
		t.Fatalf("expected the default logger to be attached to the context")
	}
}

func TestWithContextCarriesFields(t *testing.T) {
	core, recorded := observer.New(zap.DebugLevel)
	ctx := log.WithFields(context.Background(), zap.String("entity", "order-1"))

	log.WithContext(ctx, zap.New(core)).Debug("hello")

	entries := recorded.All()

	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}

	fields := entries[0].ContextMap()

	if fields["entity"] != "order-1" {
		t.Fatalf("expected the entity field to be carried, got %#v", fields)
	}
}
