// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package app

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"

	"xaya.io/democrit/dem"
)

const maxLogRolls = 16

// logWriter tees log output to stdout and a rotating log file.
type logWriter struct {
	*rotator.Rotator
}

func (w logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	return w.Rotator.Write(p)
}

// InitLogging sets up the rotating log file and returns the logger maker
// for all subsystems plus a close function for shutdown.
func InitLogging(logFilename, lvl string, utc bool) (*dem.LoggerMaker, func(), error) {
	logDir := filepath.Dir(logFilename)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("cannot create log directory: %w", err)
	}
	logRotator, err := rotator.New(logFilename, 32*1024, false, maxLogRolls)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot create file rotator: %w", err)
	}

	lm, err := dem.NewLoggerMaker(logWriter{logRotator}, lvl, utc)
	if err != nil {
		logRotator.Close()
		return nil, nil, fmt.Errorf("cannot create logger maker: %w", err)
	}
	return lm, func() { logRotator.Close() }, nil
}
