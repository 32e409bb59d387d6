package core

import (
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var once sync.Once

type logger struct {
	*log.Logger
}

var singleton *logger

func getLogger() *logger {
	once.Do(
		func() {
			l := log.NewWithOptions(os.Stderr, log.Options{
				ReportCaller:    true,
				ReportTimestamp: true,
				TimeFormat:      time.RFC3339,
				Prefix:          "Anima 🏎️ ",
			})
			l.SetLevel(log.DebugLevel)
			singleton = &logger{l}
		})
	return singleton
}

// SetLogLevel changes the level of the engine logger. Accepted values are the
// ones understood by charmbracelet/log (debug, info, warn, error, fatal).
func SetLogLevel(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	getLogger().SetLevel(lvl)
	return nil
}

// Logger returns the underlying logger so callers can derive sub-loggers with With.
func Logger() *log.Logger {
	return getLogger().Logger
}

func LogDebug(msg string, args ...interface{}) {
	getLogger().Helper()
	getLogger().Debugf(msg, args...)
}

func LogInfo(msg string, args ...interface{}) {
	getLogger().Helper()
	getLogger().Infof(msg, args...)
}

func LogWarn(msg string, args ...interface{}) {
	getLogger().Helper()
	getLogger().Warnf(msg, args...)
}

func LogError(msg string, args ...interface{}) {
	getLogger().Helper()
	getLogger().Errorf(msg, args...)
}

// LogFatal reports an unrecoverable condition. It does not exit the process,
// the error that caused it is expected to be returned to the caller.
func LogFatal(msg string, args ...interface{}) {
	getLogger().Helper()
	getLogger().Errorf("FATAL: "+msg, args...)
}
