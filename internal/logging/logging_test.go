package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	lg, err := New(&buf, "warn", "json")
	require.NoError(t, err)

	lg.Info().Msg("dropped")
	lg.Warn().Str("conn", "abc").Msg("kept")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "kept", entry["message"])
	assert.Equal(t, "abc", entry["conn"])
	assert.Contains(t, entry, "time")
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	lg, err := New(&buf, "", "console")
	require.NoError(t, err)
	lg.Info().Msg("hello console")
	assert.Contains(t, buf.String(), "hello console")
}

func TestNewErrors(t *testing.T) {
	_, err := New(nil, "loud", "json")
	assert.Error(t, err)
	_, err = New(nil, "info", "xml")
	assert.Error(t, err)
}
