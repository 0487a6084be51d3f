// Package log is a leveled, allocation-light structured logger. Events are
// built with chained field calls and rendered as one JSON object per line:
//
//	log.Info().Str("address", "/synth/freq").Int("args", 2).Msg("dispatched")
package log

import (
	"sync/atomic"

	"github.com/lcx/oscroute/config"
)

// Logger starts events at a level and owns the appenders they go to.
type Logger interface {
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	Fatal() *LogEvent
	IgnoreCheckLevel() bool
	GetAppender() []LogAppender
	AddAppender(appender LogAppender)
	OnEventEnd(e *LogEvent)
}

var _defaultLogger atomic.Pointer[GameLogger]

func init() {
	_defaultLogger.Store(NewLogger(nil))
}

func defaultLogger() *GameLogger {
	return _defaultLogger.Load()
}

// Default returns the package-level logger.
func Default() *GameLogger {
	return defaultLogger()
}

// AddAppender adds an appender to the package-level logger.
func AddAppender(appender LogAppender) {
	defaultLogger().AddAppender(appender)
}

// Refresh flushes the package-level logger's appenders.
func Refresh() {
	defaultLogger().Refresh()
}

// SetDefaultLogger replaces the package-level logger.
func SetDefaultLogger(logger *GameLogger) {
	if logger != nil {
		_defaultLogger.Store(logger)
	}
}

// InitializeWithConfigManager loads the "logger" section from configManager
// and installs a hot-reloading package-level logger built from it.
func InitializeWithConfigManager(configManager config.ConfigManager) error {
	if configManager == nil {
		return nil
	}

	logCfg := &LogCfg{}
	if err := configManager.LoadConfig(LoggerConfigName, logCfg); err != nil {
		return err
	}

	SetDefaultLogger(NewLoggerWithConfigManager(logCfg, configManager))
	return nil
}

// Initialize is InitializeWithConfigManager on the process ConfigManager.
func Initialize() error {
	return InitializeWithConfigManager(config.GetInstance())
}

// Debug starts a debug event on the default logger.
func Debug() *LogEvent {
	return defaultLogger().log(DebugLevel, false)
}

// Info starts an info event on the default logger.
func Info() *LogEvent {
	return defaultLogger().log(InfoLevel, false)
}

// Warn starts a warn event on the default logger.
func Warn() *LogEvent {
	return defaultLogger().log(WarnLevel, false)
}

// Error starts an error event on the default logger.
func Error() *LogEvent {
	return defaultLogger().log(ErrorLevel, false)
}

// Fatal starts a fatal event on the default logger.
func Fatal() *LogEvent {
	return defaultLogger().log(FatalLevel, false)
}
