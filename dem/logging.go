// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dem

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/decred/slog"
)

// Every component constructor accepts a Logger. All logging should take place
// through the provided logger.
type Logger = slog.Logger

// LevelTrace and friends re-export the slog levels so that callers do not
// need to import slog directly.
const (
	LevelTrace    = slog.LevelTrace
	LevelDebug    = slog.LevelDebug
	LevelInfo     = slog.LevelInfo
	LevelWarn     = slog.LevelWarn
	LevelError    = slog.LevelError
	LevelCritical = slog.LevelCritical
	LevelOff      = slog.LevelOff
)

// LoggerMaker allows creation of new log subsystems with predefined levels.
type LoggerMaker struct {
	*slog.Backend
	DefaultLevel slog.Level
	Levels       map[string]slog.Level
}

// NewLoggerMaker parses the debug level string into a new LoggerMaker. The
// debugLevel string can specify a single verbosity for the entire system
// ("trace", "debug", "info", "warn", "error", "critical", "off") or the
// verbosity for individual subsystems, separating subsystems by commas and
// assigning each directly ("MUC=debug,BOOK=trace").
func NewLoggerMaker(writer io.Writer, debugLevel string, utc bool) (*LoggerMaker, error) {
	var opts []slog.BackendOption
	if utc {
		opts = append(opts, slog.WithFlags(slog.LUTC))
	}
	lm := &LoggerMaker{
		Backend:      slog.NewBackend(writer, opts...),
		DefaultLevel: slog.LevelDebug,
		Levels:       make(map[string]slog.Level),
	}
	if debugLevel == "" {
		return lm, nil
	}
	if err := lm.SetLevelsFromString(debugLevel); err != nil {
		return nil, err
	}
	return lm, nil
}

// SetLevelsFromString parses the debug level string and sets the default
// level and any subsystem levels accordingly.
func (lm *LoggerMaker) SetLevelsFromString(debugLevel string) error {
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		lvl, ok := slog.LevelFromString(debugLevel)
		if !ok {
			return fmt.Errorf("the specified debug level [%s] is invalid", debugLevel)
		}
		lm.DefaultLevel = lvl
		return nil
	}
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		fields := strings.Split(logLevelPair, "=")
		if len(fields) != 2 {
			return fmt.Errorf("the specified debug level contains an invalid subsystem/level pair [%s]", logLevelPair)
		}
		subsys, levelStr := fields[0], fields[1]
		lvl, ok := slog.LevelFromString(levelStr)
		if !ok {
			return fmt.Errorf("the specified debug level [%s] is invalid", levelStr)
		}
		lm.Levels[subsys] = lvl
	}
	return nil
}

// SubLogger creates a Logger with a subsystem name "parent[name]", using any
// known log level for the parent subsystem, defaulting to the DefaultLevel if
// the parent does not have an explicitly set level.
func (lm *LoggerMaker) SubLogger(parent, name string) Logger {
	level, ok := lm.Levels[parent]
	if !ok {
		level = lm.DefaultLevel
	}
	logger := lm.Backend.Logger(fmt.Sprintf("%s[%s]", parent, name))
	logger.SetLevel(level)
	return logger
}

// NewLogger creates a new Logger for the subsystem with the given name. If a
// log level is specified, it is used for the Logger. Otherwise the
// DefaultLevel is used.
func (lm *LoggerMaker) NewLogger(name string, level ...slog.Level) Logger {
	lvl := lm.DefaultLevel
	if len(level) > 0 {
		lvl = level[0]
	}
	logger := lm.Backend.Logger(name)
	logger.SetLevel(lvl)
	return logger
}

// Logger creates a logger with the provided name, using the log level for
// that name if it was set, otherwise the default log level.
func (lm *LoggerMaker) Logger(name string) Logger {
	logger := lm.Backend.Logger(name)
	logger.SetLevel(lm.bestLevel(name))
	return logger
}

// bestLevel takes a hierarchy of logger names and returns the best log level
// found in the Levels map, falling back to the DefaultLevel.
func (lm *LoggerMaker) bestLevel(lvls ...string) slog.Level {
	lvl := lm.DefaultLevel
	for _, l := range lvls {
		lev, found := lm.Levels[l]
		if found {
			lvl = lev
			break
		}
	}
	return lvl
}

// StdOutLogger returns a Logger with the provided name that writes to stdout.
// It is primarily useful for tests and examples.
func StdOutLogger(name string, lvl slog.Level) Logger {
	logger := slog.NewBackend(os.Stdout).Logger(name)
	logger.SetLevel(lvl)
	return logger
}

// Disabled is a Logger that will never output anything.
var Disabled Logger = disabledLogger{}

type disabledLogger struct{}

func (disabledLogger) Tracef(string, ...interface{})    {}
func (disabledLogger) Debugf(string, ...interface{})    {}
func (disabledLogger) Infof(string, ...interface{})     {}
func (disabledLogger) Warnf(string, ...interface{})     {}
func (disabledLogger) Errorf(string, ...interface{})    {}
func (disabledLogger) Criticalf(string, ...interface{}) {}
func (disabledLogger) Trace(...interface{})             {}
func (disabledLogger) Debug(...interface{})             {}
func (disabledLogger) Info(...interface{})              {}
func (disabledLogger) Warn(...interface{})              {}
func (disabledLogger) Error(...interface{})             {}
func (disabledLogger) Critical(...interface{})          {}
func (disabledLogger) Level() slog.Level                { return slog.LevelOff }
func (disabledLogger) SetLevel(slog.Level)              {}
