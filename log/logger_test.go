package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcx/oscroute/config"
)

func newBufferLogger(level Level) (*GameLogger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	logger := NewLogger(&LogCfg{LogLevel: level})
	logger.AddAppender(NewWriterAppender(buf))
	return logger, buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestLogEvent_Fields(t *testing.T) {
	logger, buf := newBufferLogger(DebugLevel)

	logger.Info().
		Str("address", "/synth/\"freq\"\n").
		Int("count", 3).
		Uint64("seq", 42).
		Bool("ok", true).
		Float64("ratio", 0.5).
		Strs("tags", []string{"a", "b"}).
		Dur("wait", 250*time.Millisecond).
		Err(errors.New("boom")).
		Msg("dispatched")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	line := lines[0]
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "/synth/\"freq\"\n", line["address"])
	assert.Equal(t, float64(3), line["count"])
	assert.Equal(t, float64(42), line["seq"])
	assert.Equal(t, true, line["ok"])
	assert.Equal(t, 0.5, line["ratio"])
	assert.Equal(t, []any{"a", "b"}, line["tags"])
	assert.Equal(t, "250ms", line["wait"])
	assert.Equal(t, "boom", line["error"])
	assert.Equal(t, "dispatched", line["msg"])
	assert.NotEmpty(t, line["time"])
}

func TestLogEvent_NilSafe(t *testing.T) {
	logger, buf := newBufferLogger(WarnLevel)

	e := logger.Debug()
	assert.Nil(t, e)
	assert.NotPanics(t, func() {
		e.Str("k", "v").Int("n", 1).Err(errors.New("x")).Any("a", 1).Msgf("%d", 1)
		e.End()
	})
	assert.Zero(t, buf.Len())
}

func TestGameLogger_LevelFiltering(t *testing.T) {
	logger, buf := newBufferLogger(WarnLevel)

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	logger.Error().Msg("shown too")

	assert.Len(t, decodeLines(t, buf), 2)

	buf.Reset()
	logger.SetLevel(DebugLevel)
	logger.Debug().Msg("now visible")
	assert.Len(t, decodeLines(t, buf), 1)
}

func TestGameLogger_FatalPanics(t *testing.T) {
	logger, buf := newBufferLogger(InfoLevel)
	assert.Panics(t, func() {
		logger.Fatal().Msg("cannot continue")
	})
	assert.Contains(t, buf.String(), "cannot continue")
}

func TestGameLogger_CallerInfo(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(&LogCfg{LogLevel: InfoLevel, EnabledCallerInfo: true})
	logger.AddAppender(NewWriterAppender(buf))

	logger.Info().Msg("with caller")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0]["caller"], "log/logger_test.go:")
	assert.Contains(t, lines[0]["caller"], "TestGameLogger_CallerInfo")
}

func TestGameLogger_LevelChangeOverride(t *testing.T) {
	logger, buf := newBufferLogger(ErrorLevel)

	_, _, line, _ := runtime.Caller(0)
	logger.levelChange.Store(newLevelChange([]LevelChangeEntry{{File: "log/logger_test.go", Line: line + 2, Level: ErrorLevel}}))
	logger.Debug().Msg("promoted")
	logger.Debug().Msg("still filtered")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "promoted", lines[0]["msg"])
	assert.Equal(t, "error", lines[0]["level"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", DebugLevel, false},
		{"INFO", InfoLevel, false},
		{"warning", WarnLevel, false},
		{" error ", ErrorLevel, false},
		{"fatal", FatalLevel, false},
		{"loud", InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var lv Level
			err := lv.UnmarshalText([]byte(tt.in))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, lv)
		})
	}
	assert.Equal(t, "warn", WarnLevel.String())
}

func TestAppLogger_TagsAndWhiteList(t *testing.T) {
	cfg := &LogCfg{LogLevel: ErrorLevel, AppWhiteList: []string{"synth"}}

	buf := &bytes.Buffer{}
	synth := NewAppLogger(cfg, "synth")
	synth.AddAppender(NewWriterAppender(buf))
	synth.Debug().Msg("verbose")

	other := NewAppLogger(cfg, "mixer")
	other.AddAppender(NewWriterAppender(buf))
	other.Debug().Msg("dropped")
	other.Error().Msg("kept")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "synth", lines[0]["app"])
	assert.Equal(t, "verbose", lines[0]["msg"])
	assert.Equal(t, "mixer", lines[1]["app"])
	assert.Equal(t, "kept", lines[1]["msg"])
	assert.True(t, synth.IgnoreCheckLevel())
	assert.False(t, other.IgnoreCheckLevel())
}

func TestAppLogger_AppFileLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "osc.log")
	logger := NewAppLogger(&LogCfg{LogLevel: InfoLevel, FileAppender: true, AppFileLog: true, LogPath: path}, "synth")
	logger.Info().Msg("to both files")
	require.NoError(t, logger.Close())

	assert.Equal(t, filepath.Join(dir, "osc_synth.log"), AppLogPath(path, "synth"))
	for _, p := range []string{path, AppLogPath(path, "synth")} {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.Contains(t, string(data), "to both files")
	}
}

func TestFileAppender_Sync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.log")
	logger := NewLogger(&LogCfg{LogLevel: InfoLevel, FileAppender: true, LogPath: path})
	logger.Info().Str("k", "v").Msg("sync line")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"sync line"`)
	require.NoError(t, logger.Close())
}

func TestFileAppender_AsyncRefresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "async.log")
	logger := NewLogger(&LogCfg{
		LogLevel:          InfoLevel,
		FileAppender:      true,
		LogPath:           path,
		IsAsync:           true,
		AsyncCacheSize:    16,
		AsyncWriteMillSec: 10000,
	})
	for i := 0; i < 100; i++ {
		logger.Info().Int("i", i).Msg("queued")
	}
	logger.Refresh()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 100, strings.Count(string(data), "queued"))
	require.NoError(t, logger.Close())
}

func TestFileAppender_RotateBySize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rotate.log")
	app := NewFileAppender(&LogCfg{LogPath: path, FileSplitMB: 1}, nil)
	defer app.Close()

	line := []byte(strings.Repeat("x", 1023) + "\n")
	for i := 0; i < 1100; i++ {
		_, err := app.Write(line)
		require.NoError(t, err)
	}

	rotated, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.Len(t, rotated, 1)

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Less(t, st.Size(), int64(_mb))
}

func TestGameLogger_OnConfigChanged(t *testing.T) {
	logger, buf := newBufferLogger(ErrorLevel)

	require.NoError(t, logger.OnConfigChanged("other", &LogCfg{LogLevel: DebugLevel}, nil))
	logger.Info().Msg("still filtered")
	assert.Zero(t, buf.Len())

	newCfg := &LogCfg{LogLevel: InfoLevel}
	require.NoError(t, logger.OnConfigChanged(LoggerConfigName, newCfg, nil))
	logger.Info().Msg("visible after reload")
	assert.Len(t, decodeLines(t, buf), 1)
	assert.Same(t, newCfg, logger.GetCurrentConfig())
}

func TestInitializeWithConfigManager(t *testing.T) {
	prev := Default()
	t.Cleanup(func() { SetDefaultLogger(prev) })

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logger.yaml"), []byte(`
level: warn
consoleAppender: false
fileAppender: true
path: `+filepath.Join(dir, "osc.log")+`
levelChange:
  - file: app/app.go
    line: 10
    level: error
`), 0o644))

	cm := config.NewConfigManager()
	cm.SetBasePath(dir)
	defer cm.Close()

	require.NoError(t, InitializeWithConfigManager(cm))

	cfg := Default().GetCurrentConfig()
	assert.Equal(t, WarnLevel, cfg.LogLevel)
	require.Len(t, cfg.LevelChange, 1)
	assert.Equal(t, ErrorLevel, cfg.LevelChange[0].Level)

	Warn().Msg("written through the config manager")
	Refresh()
	data, err := os.ReadFile(filepath.Join(dir, "osc.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "written through the config manager")
	require.NoError(t, Default().Close())
}

func TestLogCfg_Validate(t *testing.T) {
	assert.NoError(t, (&LogCfg{LogLevel: InfoLevel}).Validate())
	assert.Error(t, (&LogCfg{FileAppender: true}).Validate())
	assert.Error(t, (&LogCfg{FileSplitHour: 24}).Validate())
	assert.Error(t, (&LogCfg{LogLevel: Level(9)}).Validate())
}
