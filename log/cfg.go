package log

import (
	"fmt"
	"slices"
)

// LoggerConfigName is the config section read by InitializeWithConfigManager.
const LoggerConfigName = "logger"

// LogCfg configures a GameLogger and its appenders.
type LogCfg struct {
	// LogPath is the file written by the file appender.
	LogPath string `mapstructure:"path"`

	// LogLevel is the minimum level emitted. Hot reloadable.
	LogLevel Level `mapstructure:"level"`

	// FileSplitMB rotates the file once it grows past this size.
	FileSplitMB int `mapstructure:"splitmb"`

	// FileSplitHour is the hour of day (0-23) after which a file opened on a
	// previous day is rotated.
	FileSplitHour int `mapstructure:"splithour"`

	IsAsync           bool `mapstructure:"isasync"`
	AsyncCacheSize    int  `mapstructure:"asynccachesize"`
	AsyncWriteMillSec int  `mapstructure:"asyncwritemillsec"`

	// CallerSkip adds frames to skip when resolving caller info, for wrappers.
	CallerSkip int `mapstructure:"callerSkip"`

	FileAppender    bool `mapstructure:"fileAppender"`
	ConsoleAppender bool `mapstructure:"consoleAppender"`

	// LevelChange raises the level of individual call sites, so one noisy
	// debug line can be switched on in production.
	LevelChange []LevelChangeEntry `mapstructure:"levelChange"`

	// AppWhiteList names applications whose AppLogger ignores LogLevel.
	AppWhiteList []string `mapstructure:"appWhiteList"`

	// AppFileLog additionally writes each application's lines to
	// <path>_<app><ext>.
	AppFileLog bool `mapstructure:"appFileLog"`

	EnabledCallerInfo bool `mapstructure:"enabledCallerInfo"`
}

// GetName returns the logger config name.
func (cfg *LogCfg) GetName() string {
	return LoggerConfigName
}

// Validate checks the level, the file path and the rotation settings.
func (cfg *LogCfg) Validate() error {
	if cfg.LogLevel > FatalLevel {
		return fmt.Errorf("invalid log level %d", cfg.LogLevel)
	}
	if cfg.FileAppender && cfg.LogPath == "" {
		return fmt.Errorf("path is required when fileAppender is enabled")
	}
	if cfg.FileSplitMB < 0 {
		return fmt.Errorf("splitmb must not be negative")
	}
	if cfg.FileSplitHour < 0 || cfg.FileSplitHour > 23 {
		return fmt.Errorf("splithour must be within [0, 23]")
	}
	if cfg.CallerSkip < 0 {
		return fmt.Errorf("callerSkip must not be negative")
	}
	return nil
}

// IsInWhiteList reports whether app is listed in AppWhiteList.
func (cfg *LogCfg) IsInWhiteList(app string) bool {
	return slices.Contains(cfg.AppWhiteList, app)
}

var _defaultCfg = &LogCfg{
	LogPath:         "./oscroute.log",
	LogLevel:        InfoLevel,
	FileSplitMB:     50,
	CallerSkip:      0,
	ConsoleAppender: true,
}

func getDefaultCfg() *LogCfg {
	return _defaultCfg
}
