package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sipphone/pkg/config"
)

func TestNew_Levels(t *testing.T) {
	logger, err := New(config.LogConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	_, err = New(config.LogConfig{Level: "loud"})
	assert.Error(t, err)

	_, err = New(config.LogConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phone.log")

	logger, err := New(config.LogConfig{
		Level:  "info",
		Format: "text",
		File:   config.LogFileConfig{Enabled: true, Path: path, MaxSizeMB: 1},
	})
	require.NoError(t, err)

	WithComponent(logger, "test").WithField("call_id", "abc").Info("звонок установлен")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "component=test")
	assert.Contains(t, string(data), "call_id=abc")
}

func TestNew_FileWithoutPath(t *testing.T) {
	_, err := New(config.LogConfig{Level: "info", File: config.LogFileConfig{Enabled: true}})
	assert.Error(t, err)
}

func TestWithComponent_NilLogger(t *testing.T) {
	entry := WithComponent(nil, "rtp")
	require.NotNil(t, entry)
	assert.Equal(t, "rtp", entry.Data["component"])
}
