package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("warn", "json", &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "job_uuid", "abc")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "shown", line["msg"])
	require.Equal(t, "abc", line["job_uuid"])
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("debug", "text", &buf)
	require.NoError(t, err)
	logger.Debug("details")
	require.Contains(t, buf.String(), "msg=details")
}

func TestNewRejectsUnknownValues(t *testing.T) {
	_, err := New("loud", "json", &bytes.Buffer{})
	require.Error(t, err)
	_, err = New("info", "xml", &bytes.Buffer{})
	require.Error(t, err)
}
