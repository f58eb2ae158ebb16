package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults valid", *NewDefaultConfig(), false},
		{"bad level", Config{Level: "loud", Format: "json"}, true},
		{"bad format", Config{Level: "info", Format: "xml"}, true},
		{"console ok", Config{Level: "debug", Format: "console"}, false},
		{"empty field key", Config{Level: "info", Format: "json", Fields: map[string]string{"": "x"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewLogger_RejectsInvalidConfig(t *testing.T) {
	_, err := NewLogger(&Config{Level: "nope", Format: "json"})
	require.Error(t, err)
}

func TestSessionCorrelation(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithSessionID(context.Background(), "sess-123")

	tl.Info(ctx, "starting workflow")

	entries := tl.FilterMessage("starting workflow").All()
	require.Len(t, entries, 1)
	found := false
	for _, f := range entries[0].Context {
		if f.Key == "session.id" && f.String == "sess-123" {
			found = true
		}
	}
	assert.True(t, found, "session.id field missing")
}

func TestContextFields_EmptyContext(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestTestLoggerAssertions(t *testing.T) {
	tl := NewTestLogger()
	tl.Warn(context.Background(), "poll fallback fired")

	tl.AssertLogged(t, zapcore.WarnLevel, "poll fallback")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "poll fallback")
}
