package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrettyFormatterSortsFields(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewLogger(Options{Level: "debug", Out: &buf})
	require.NoError(t, err)

	log.WithFields(logrus.Fields{"rank": 2, "host": "alpha"}).Debug("Started augment")

	line := buf.String()
	assert.Contains(t, line, "DEBUG Started augment host=alpha rank=2")
	assert.True(t, strings.HasSuffix(line, "\n"))
	assert.NotContains(t, line, colorReset)
}

func TestPrettyFormatterColors(t *testing.T) {
	f := &PrettyFormatter{}
	out, err := f.Format(&logrus.Entry{Level: logrus.WarnLevel, Message: "careful", Data: logrus.Fields{}})
	require.NoError(t, err)
	assert.Contains(t, string(out), colorYellow+"WARN "+colorReset)
}

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewLogger(Options{Level: "warn", Out: &buf})
	require.NoError(t, err)

	log.Info("hidden")
	log.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	_, err = NewLogger(Options{Level: "loud"})
	require.Error(t, err)
}

func TestNewLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mead.log")
	log, err := NewLogger(Options{File: path})
	require.NoError(t, err)

	log.Info("to disk")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "INFO  to disk")
}
