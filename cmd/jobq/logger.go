package main

import (
	"io"

	jobq "github.com/UniQw/jobq"
	"github.com/phuslu/log"
)

// cliLogger adapts phuslu/log to jobq.Logger.
type cliLogger struct {
	l *log.Logger
}

var _ jobq.Logger = (*cliLogger)(nil)

func newLogger(level string, w io.Writer) *cliLogger {
	return &cliLogger{l: &log.Logger{
		Level:  log.ParseLevel(level),
		Writer: &log.ConsoleWriter{Writer: w},
	}}
}

func (c *cliLogger) Debugf(format string, args ...any) { c.l.Debug().Msgf(format, args...) }
func (c *cliLogger) Infof(format string, args ...any)  { c.l.Info().Msgf(format, args...) }
func (c *cliLogger) Warnf(format string, args ...any)  { c.l.Warn().Msgf(format, args...) }
func (c *cliLogger) Errorf(format string, args ...any) { c.l.Error().Msgf(format, args...) }
