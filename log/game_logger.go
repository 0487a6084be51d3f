package log

import (
	"io"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/lcx/oscroute/config"
)

// GameLogger is a leveled logger that renders events as one JSON object per
// line and fans them out to its appenders. Events come from a sync.Pool, so
// a disabled level costs one atomic load.
//
//	logger := NewLogger(&LogCfg{LogLevel: InfoLevel, ConsoleAppender: true})
//	logger.Info().Str("app", "synth").Int("port", 5001).Msg("listening")
type GameLogger struct {
	appenderMu        sync.RWMutex
	appenders         []LogAppender
	minLevel          atomic.Uint32
	callerSkip        atomic.Int32
	enabledCallerInfo atomic.Bool
	levelChange       atomic.Pointer[levelChange]
	eventPool         *sync.Pool
	callerCache       sync.Map
	configManager     config.ConfigManager
	configMutex       sync.RWMutex
	currentConfig     *LogCfg
}

// NewLogger builds a logger from cfg; nil selects console-only defaults.
func NewLogger(cfg *LogCfg) *GameLogger {
	if cfg == nil {
		cfg = getDefaultCfg()
	}

	logger := newBareLogger(cfg)

	if cfg.FileAppender {
		logger.AddAppender(NewFileAppender(cfg, logger))
	}
	if cfg.ConsoleAppender {
		logger.AddAppender(NewConsoleAppender())
	}

	return logger
}

func newBareLogger(cfg *LogCfg) *GameLogger {
	logger := &GameLogger{currentConfig: cfg}
	logger.applyConfig(cfg)
	logger.eventPool = &sync.Pool{
		New: func() any {
			return newEvent(logger)
		},
	}
	return logger
}

// NewLoggerWithConfigManager builds a logger that follows hot reloads of the
// "logger" section of configManager.
func NewLoggerWithConfigManager(cfg *LogCfg, configManager config.ConfigManager) *GameLogger {
	logger := NewLogger(cfg)
	logger.configManager = configManager

	if configManager != nil {
		configManager.AddChangeListener(logger)
		logger.reconfigureAppendersWithConfigManager(configManager)
	}

	return logger
}

func (x *GameLogger) reconfigureAppendersWithConfigManager(configManager config.ConfigManager) {
	c, err := configManager.GetConfig(LoggerConfigName)
	if err != nil {
		return
	}
	logCfg, ok := c.(*LogCfg)
	if !ok {
		return
	}

	var appenders []LogAppender
	if logCfg.FileAppender {
		appenders = append(appenders, NewFileAppenderWithConfigManager(configManager, x))
	}
	if logCfg.ConsoleAppender {
		appenders = append(appenders, NewConsoleAppender())
	}

	x.appenderMu.Lock()
	old := x.appenders
	x.appenders = appenders
	x.appenderMu.Unlock()

	closeAppenders(old)
}

func (x *GameLogger) applyConfig(cfg *LogCfg) {
	x.minLevel.Store(uint32(cfg.LogLevel))
	x.callerSkip.Store(int32(cfg.CallerSkip))
	x.enabledCallerInfo.Store(cfg.EnabledCallerInfo)
	x.levelChange.Store(newLevelChange(cfg.LevelChange))
}

// OnConfigChanged applies a reloaded "logger" section.
func (x *GameLogger) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != LoggerConfigName {
		return nil
	}
	newLogCfg, ok := newConfig.(*LogCfg)
	if !ok {
		return nil
	}

	x.updateConfig(newLogCfg)

	for _, appender := range x.GetAppender() {
		if listener, ok := appender.(config.ConfigChangeListener); ok {
			if err := listener.OnConfigChanged(configName, newConfig, oldConfig); err != nil {
				x.Error().Err(err).Msg("appender rejected logger config")
			}
		}
	}
	return nil
}

// GetConfigName implements config.ConfigChangeListener.
func (x *GameLogger) GetConfigName() string {
	return LoggerConfigName
}

func (x *GameLogger) updateConfig(newCfg *LogCfg) {
	x.configMutex.Lock()
	x.currentConfig = newCfg
	x.configMutex.Unlock()

	x.applyConfig(newCfg)
	x.Refresh()
}

// GetCurrentConfig returns the configuration last applied.
func (x *GameLogger) GetCurrentConfig() *LogCfg {
	x.configMutex.RLock()
	defer x.configMutex.RUnlock()
	return x.currentConfig
}

// SetLevel changes the minimum level at runtime.
func (x *GameLogger) SetLevel(level Level) {
	x.minLevel.Store(uint32(level))
}

func (x *GameLogger) checkLevel(level Level) bool {
	return Level(x.minLevel.Load()) <= level
}

// AddAppender adds an output for every following event.
func (x *GameLogger) AddAppender(appender LogAppender) {
	x.appenderMu.Lock()
	defer x.appenderMu.Unlock()
	x.appenders = append(x.appenders, appender)
}

// GetAppender returns the current outputs.
func (x *GameLogger) GetAppender() []LogAppender {
	x.appenderMu.RLock()
	defer x.appenderMu.RUnlock()
	out := make([]LogAppender, len(x.appenders))
	copy(out, x.appenders)
	return out
}

// Refresh flushes every appender.
func (x *GameLogger) Refresh() {
	for _, appender := range x.GetAppender() {
		appender.Refresh()
	}
}

// Close flushes and closes every appender that holds a resource.
func (x *GameLogger) Close() error {
	x.appenderMu.Lock()
	old := x.appenders
	x.appenders = nil
	x.appenderMu.Unlock()
	return closeAppenders(old)
}

func closeAppenders(appenders []LogAppender) error {
	var result *multierror.Error
	for _, appender := range appenders {
		appender.Refresh()
		if c, ok := appender.(io.Closer); ok {
			if err := c.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

// IgnoreCheckLevel is false; the game logger always filters by level.
func (x *GameLogger) IgnoreCheckLevel() bool {
	return false
}

func (x *GameLogger) newEvent() *LogEvent {
	e := x.eventPool.Get().(*LogEvent)
	e.Reset()
	return e
}

// OnEventEnd writes the finished line and recycles the event. A fatal
// event panics after it has been written.
func (x *GameLogger) OnEventEnd(e *LogEvent) {
	x.appenderMu.RLock()
	for _, appender := range x.appenders {
		_, _ = appender.Write(e.buf.Bytes())
	}
	x.appenderMu.RUnlock()

	if e.level == FatalLevel {
		x.Refresh()
		panic(e.buf.String())
	}

	x.eventPool.Put(e)
}

// Debug starts a debug event, nil when the level is disabled.
func (x *GameLogger) Debug() *LogEvent {
	return x.log(DebugLevel, false)
}

// Info starts an info event, nil when the level is disabled.
func (x *GameLogger) Info() *LogEvent {
	return x.log(InfoLevel, false)
}

// Warn starts a warn event, nil when the level is disabled.
func (x *GameLogger) Warn() *LogEvent {
	return x.log(WarnLevel, false)
}

// Error starts an error event, nil when the level is disabled.
func (x *GameLogger) Error() *LogEvent {
	return x.log(ErrorLevel, false)
}

// Fatal events panic once written.
func (x *GameLogger) Fatal() *LogEvent {
	return x.log(FatalLevel, false)
}

// getCallerInfo resolves the frame that called Info/Warn/...; every entry
// point reaches log through exactly one frame.
func (x *GameLogger) getCallerInfo() *callerInfo {
	pc, file, line, ok := runtime.Caller(3 + int(x.callerSkip.Load()))
	if !ok {
		return _UnknownCallerInfo
	}

	if cached, found := x.callerCache.Load(pc); found {
		return cached.(*callerInfo)
	}

	funcName := runtime.FuncForPC(pc).Name()
	function := funcName
	if dotIdx := strings.LastIndexByte(funcName, '.'); dotIdx != -1 {
		function = funcName[dotIdx+1:]
	}

	// keep "dir/file.go"
	if lastSlash := strings.LastIndexByte(file, '/'); lastSlash > 0 {
		if secondLastSlash := strings.LastIndexByte(file[:lastSlash], '/'); secondLastSlash >= 0 {
			file = file[secondLastSlash+1:]
		}
	}

	c := newCallerInfo(file, function, line)
	x.callerCache.Store(pc, c)
	return c
}

func (x *GameLogger) log(level Level, ignoreLevel bool) *LogEvent {
	var info *callerInfo
	if !ignoreLevel && !x.checkLevel(level) {
		lc := x.levelChange.Load()
		if lc.Empty() {
			return nil
		}
		info = x.getCallerInfo()
		level = lc.GetLevel(info.file, info.line, level)
		if !x.checkLevel(level) {
			return nil
		}
	}

	e := x.newEvent()
	e.level = level

	t := time.Now()
	e.Time("time", &t)
	e.Str("level", level.String())

	if x.enabledCallerInfo.Load() {
		if info == nil {
			info = x.getCallerInfo()
		}
		e.Str("caller", info.String())
	}

	return e
}
