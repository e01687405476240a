/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ssgreg/logf"
	"github.com/stretchr/testify/require"
)

func TestLoggerToStd(t *testing.T) {
	oldStdOut := os.Stdout
	oldStdErr := os.Stderr
	defer func() {
		os.Stdout = oldStdOut
		os.Stderr = oldStdErr
	}()

	tests := []struct {
		Output Output
		Level  Level
		Msg    string
		Error  error
	}{
		{
			Output: OutputStdout,
			Level:  LevelInfo,
			Msg:    "test",
		},
		{
			Output: OutputStdout,
			Level:  LevelWarn,
			Msg:    "Hello, world!",
		},
		{
			Output: OutputStdout,
			Level:  LevelError,
			Msg:    "Hello, world!",
			Error:  errors.New("some error"),
		},
		{
			Output: OutputStderr,
			Level:  LevelInfo,
			Msg:    "Hello, world!",
		},
	}

	for i := range tests {
		test := tests[i]

		r, w, _ := os.Pipe()

		if test.Output == OutputStderr {
			os.Stderr = w
		} else {
			os.Stdout = w
		}

		go func() {
			logger, closer := NewLogger(&Config{Output: test.Output, NoColor: true, Format: FormatJSON, Level: LevelInfo})
			switch test.Level {
			case LevelInfo:
				logger.Info(test.Msg)
			case LevelWarn:
				logger.Warn(test.Msg)
			case LevelError:
				logger.Error(test.Msg, logf.Error(test.Error))
			}
			closer()
			_ = w.Close()
		}()

		var buf bytes.Buffer
		_, err := io.Copy(&buf, r)
		require.NoError(t, err, "io.Copy")

		var j map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &j))

		require.Equal(t, string(test.Level), j["level"])
		require.Equal(t, test.Msg, j["msg"])
		if test.Error != nil {
			require.Equal(t, test.Error.Error(), j["error"])
		}
		require.Equal(t, os.Getpid(), int(j["pid"].(float64)))
	}
}

func TestLoggerToFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "service.log")
	cfg := NewDefaultConfig()
	cfg.Output = OutputFile
	cfg.File.Path = logPath

	logger, closer := NewLogger(cfg)
	logger.Info("request rejected", Int("remaining", 0))
	closer()

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)

	var j map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &j))
	require.Equal(t, "request rejected", j["msg"])
	require.Equal(t, float64(0), j["remaining"])
}

func TestLoggerTextFormat(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "service.log")
	cfg := NewDefaultConfig()
	cfg.Output = OutputFile
	cfg.File.Path = logPath
	cfg.Format = FormatText
	cfg.NoColor = true

	logger, closer := NewLogger(cfg)
	logger.Warn("limit exceeded", String("identifier", "ip:192.168.0.1"))
	closer()

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "limit exceeded")
	require.Contains(t, string(data), "ip:192.168.0.1")
}

func TestLoggerWithMasking(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "service.log")
	cfg := NewDefaultConfig()
	cfg.Output = OutputFile
	cfg.File.Path = logPath
	cfg.Masking.Enabled = true

	logger, closer := NewLogger(cfg)
	logger.Info("request rejected", String("url", "/api/v1/items?api_key=qwerty123&limit=10"))
	closer()

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.NotContains(t, string(data), "qwerty123")
	require.Contains(t, string(data), "api_key=***")
}

func TestLoggerLevelFiltering(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "service.log")
	cfg := NewDefaultConfig()
	cfg.Output = OutputFile
	cfg.File.Path = logPath
	cfg.Level = LevelWarn

	logger, closer := NewLogger(cfg)
	logger.Info("should be filtered")
	logger.Warn("should be logged")
	closer()

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], "should be logged")
}
