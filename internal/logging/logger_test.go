package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter("debug", true, &buf)
	require.NoError(t, err)

	logger.Debugw("claimed execution", "job_id", "j1", "execution_id", 7)
	require.NoError(t, logger.Sync())

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "claimed execution", line["msg"])
	assert.Equal(t, "j1", line["job_id"])
	assert.EqualValues(t, 7, line["execution_id"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter("WARN", false, &buf)
	require.NoError(t, err)

	logger.Infow("hidden")
	logger.Warnw("shown", "slots", 3)
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "slots")
}

func TestUnknownLevel(t *testing.T) {
	_, err := New("verbose", false)
	assert.Error(t, err)
}
