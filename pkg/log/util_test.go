package log

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestToFields(t *testing.T) {
	now := time.Now()
	err := errors.New("boom")

	tests := []struct {
		name  string
		input []any
	}{
		{"empty input", []any{}},
		{"string-int-bool", []any{"a", "x", "b", 123, "c", true}},
		{"time type", []any{"t", now}},
		{"duration type", []any{"d", 5 * time.Second}},
		{"float type", []any{"boost", 1.15}},
		{"bytes", []any{"payload", []byte{0x7E, 0x00}}},
		{"error only", []any{err}},
		{"mixed field types", []any{"msg", "ok", zap.String("x", "y"), "num", 42}},
		{"odd number of args", []any{"key1", "val1", "key2"}},
		{"non-string key", []any{123, "value", true, 99}},
		{"nil values", []any{"a", nil, "b", (*int)(nil)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := toFields(tt.input...)

			if fields == nil && len(tt.input) > 0 {
				t.Errorf("nil fields for non-empty input: %v", tt.input)
			}

			for _, f := range fields {
				if f.Key == "" {
					t.Errorf("field has empty key: %+v", f)
				}
			}
		})
	}
}

func TestNopLoggerDoesNotPanic(t *testing.T) {
	l := NewNopLogger()
	l.Debug("debug", "k", "v")
	l.Info("info")
	l.Warn("warn", "n", 1)
	l.Error(errors.New("x"), "error", "k", "v")
	l.WithName("sub").WithValues("a", 1).Info("chained")
}
