package types

import (
	"log"
	"os"
)

// Logger is a thin tagged wrapper over the standard logger so components
// can print "[bufferpool] ..." style lines and tests can silence them.
type Logger struct {
	quiet bool
	l     *log.Logger
}

func NewLogger(quiet bool) *Logger {
	return &Logger{quiet: quiet, l: log.New(os.Stderr, "", log.LstdFlags)}
}

func (lg *Logger) Printf(format string, args ...interface{}) {
	if lg == nil || lg.quiet {
		return
	}
	lg.l.Printf(format, args...)
}
