package database

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGormLoggerWritesThroughSlog(t *testing.T) {
	var buf bytes.Buffer
	l := newGormLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	l.Info(context.Background(), "connected to %s", "canvas")
	assert.Zero(t, buf.Len(), "info is below the configured level")

	l.Warn(context.Background(), "slow statement on %s", "canvas_states")
	require.NotZero(t, buf.Len())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "gorm", entry["module"])
	assert.Contains(t, entry["msg"], "slow statement on canvas_states")
}
