package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"hostinbox/backend/internal/config"
)

func TestNewLogger(t *testing.T) {
	t.Run("Stdout only", func(t *testing.T) {
		log, err := NewLogger(Config{Level: "warn"})
		require.NoError(t, err)
		assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
		assert.True(t, log.Core().Enabled(zapcore.WarnLevel))
	})

	t.Run("非法级别回退到 info", func(t *testing.T) {
		log, err := NewLogger(Config{Level: "verbose"})
		require.NoError(t, err)
		assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
		assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
	})

	t.Run("写入日志文件", func(t *testing.T) {
		dir, err := os.MkdirTemp("", "hostinbox-log-*")
		require.NoError(t, err)
		defer os.RemoveAll(dir)

		file := filepath.Join(dir, "nested", "app.log")
		log, err := NewLogger(FromConfig(config.LogConfig{Level: "info", File: file}))
		require.NoError(t, err)

		log.Info("hello")
		_ = log.Sync()

		data, err := os.ReadFile(file)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"message":"hello"`)
	})
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.LogConfig{Level: "debug", Development: true, File: "/tmp/x.log"})
	assert.Equal(t, "debug", cfg.Level)
	assert.True(t, cfg.Development)
	assert.Equal(t, "/tmp/x.log", cfg.LogFile)
	assert.Equal(t, 100, cfg.MaxSize)
}
