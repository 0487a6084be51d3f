package log

import (
	"fmt"
	"path/filepath"
	"strings"
)

// AppLogger tags every event with the owning application's name. Apps named
// in LogCfg.AppWhiteList log at every level regardless of LogLevel, and with
// AppFileLog each app also gets its own file next to the shared one.
type AppLogger struct {
	*GameLogger
	app         string
	inWhiteList bool
}

// NewAppLogger builds an AppLogger for app; nil cfg uses the defaults.
func NewAppLogger(cfg *LogCfg, app string) *AppLogger {
	if cfg == nil {
		cfg = getDefaultCfg()
	}

	logger := newBareLogger(cfg)
	appLogger := &AppLogger{
		GameLogger:  logger,
		app:         app,
		inWhiteList: cfg.IsInWhiteList(app),
	}

	if cfg.ConsoleAppender {
		logger.AddAppender(NewConsoleAppender())
	}
	if cfg.FileAppender {
		logger.AddAppender(NewFileAppender(cfg, logger))
	}
	if cfg.AppFileLog && cfg.LogPath != "" {
		appCfg := *cfg
		appCfg.LogPath = AppLogPath(cfg.LogPath, app)
		logger.AddAppender(NewFileAppender(&appCfg, appLogger))
	}

	return appLogger
}

// WrapAppLogger tags events of an existing logger with app, sharing its
// appenders.
func WrapAppLogger(logger *GameLogger, app string) *AppLogger {
	if logger == nil {
		logger = defaultLogger()
	}
	cfg := logger.GetCurrentConfig()
	return &AppLogger{
		GameLogger:  logger,
		app:         app,
		inWhiteList: cfg != nil && cfg.IsInWhiteList(app),
	}
}

// AppLogPath derives the per-application log file from the shared one:
// "logs/osc.log" and "synth" give "logs/osc_synth.log".
func AppLogPath(path, app string) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	return fmt.Sprintf("%s_%s%s", base, app, ext)
}

// App returns the application name attached to every event.
func (x *AppLogger) App() string {
	return x.app
}

// IgnoreCheckLevel reports whether the app is white-listed, bypassing level checks.
func (x *AppLogger) IgnoreCheckLevel() bool {
	return x.inWhiteList
}

// Debug starts a debug event tagged with the app name.
func (x *AppLogger) Debug() *LogEvent {
	return x.GameLogger.log(DebugLevel, x.inWhiteList).Str("app", x.app)
}

// Info starts an info event tagged with the app name.
func (x *AppLogger) Info() *LogEvent {
	return x.GameLogger.log(InfoLevel, x.inWhiteList).Str("app", x.app)
}

// Warn starts a warn event tagged with the app name.
func (x *AppLogger) Warn() *LogEvent {
	return x.GameLogger.log(WarnLevel, x.inWhiteList).Str("app", x.app)
}

// Error starts an error event tagged with the app name.
func (x *AppLogger) Error() *LogEvent {
	return x.GameLogger.log(ErrorLevel, x.inWhiteList).Str("app", x.app)
}

// Fatal starts a fatal event tagged with the app name.
func (x *AppLogger) Fatal() *LogEvent {
	return x.GameLogger.log(FatalLevel, x.inWhiteList).Str("app", x.app)
}
