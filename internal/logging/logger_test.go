package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	return entry
}

func TestLogger_KeyValueArgs(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "DEBUG").WithComponent("orchestrator")

	l.Info("tick finished", "sessions", 3, "err", errors.New("boom"))

	entry := decodeLine(t, &buf)
	assert.Equal(t, "tick finished", entry["message"])
	assert.Equal(t, "orchestrator", entry["component"])
	assert.Equal(t, float64(3), entry["sessions"])
	assert.Equal(t, "boom", entry["err"])
}

func TestLogger_PrintfArgs(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "INFO")

	l.Warn("skipped %d sessions", 2)

	entry := decodeLine(t, &buf)
	assert.Equal(t, "skipped 2 sessions", entry["message"])
	assert.Equal(t, "warn", entry["level"])
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "ERROR")

	l.Info("hidden")
	assert.Zero(t, buf.Len())

	l.Error("shown")
	assert.NotZero(t, buf.Len())
}

func TestLogger_WithFieldsIsImmutable(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(&buf, "INFO")
	scoped := SessionContext(base, "s-1", "u-1", "BTCUSDT")

	base.Info("plain")
	plain := decodeLine(t, &buf)
	assert.NotContains(t, plain, "session_id")

	buf.Reset()
	scoped.Info("scoped")
	withSession := decodeLine(t, &buf)
	assert.Equal(t, "s-1", withSession["session_id"])
	assert.Equal(t, "BTCUSDT", withSession["symbol"])
}
