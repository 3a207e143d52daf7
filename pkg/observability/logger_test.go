package observability

import (
	"testing"

	"go.uber.org/zap/zapcore"

	"aeronet/pkg/config"
)

func TestSessionFieldFormatsAsHex(t *testing.T) {
	f := SessionField(255)
	if f.Key != "session_id" {
		t.Fatalf("expected key session_id, got %s", f.Key)
	}
	if f.Type != zapcore.StringType {
		t.Fatalf("expected a string field, got %v", f.Type)
	}
	if f.String != "ff" {
		t.Fatalf("expected hex-formatted 255 to be 'ff', got %q", f.String)
	}
}

func TestSetupLoggerDefaultsToInfoLevel(t *testing.T) {
	logger, err := SetupLogger(config.LogConfig{Outputs: []string{"stdout"}})
	if err != nil {
		t.Fatalf("setup logger: %v", err)
	}
	defer logger.Sync()
	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("expected info level to be enabled by default")
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug level to be disabled by default")
	}
}
