// Package xlog sets up the node's logging root. Every subsystem pulls a
// *logrus.Entry tagged with its own name off of this root, the way
// babble's Config.Logger() hands out a single formatted logger shared by
// every component.
package xlog

import (
	"io"

	"github.com/jrick/logrotate/rotator"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Root is the node-wide logger. New returns one; it is not a package
// singleton so tests can build their own in-memory logger.
type Root struct {
	*logrus.Logger
}

// Options configure the logging root.
type Options struct {
	Level      string
	LogFile    string // empty disables file rotation
	MaxRollKB  int64
	MaxRollLog int
}

// New builds a logging root: prefixed console output, and (when LogFile is
// set) a rotated-file hook, mirroring the teacher's jrick/logrotate +
// a babble-style logrus.Entry front end.
func New(opts Options) (*Root, error) {
	logger := logrus.New()
	logger.Formatter = new(prefixed.TextFormatter)
	logger.Level = level(opts.Level)

	if opts.LogFile != "" {
		maxRoll := opts.MaxRollKB
		if maxRoll <= 0 {
			maxRoll = 10 * 1024
		}
		maxRollLog := opts.MaxRollLog
		if maxRollLog <= 0 {
			maxRollLog = 3
		}
		rot, err := rotator.New(opts.LogFile, maxRoll*1024, false, maxRollLog)
		if err != nil {
			return nil, err
		}
		logger.Hooks.Add(lfshook.NewHook(lfshook.WriterMap{
			logrus.DebugLevel: io.Writer(rot),
			logrus.InfoLevel:  io.Writer(rot),
			logrus.WarnLevel:  io.Writer(rot),
			logrus.ErrorLevel: io.Writer(rot),
			logrus.FatalLevel: io.Writer(rot),
			logrus.PanicLevel: io.Writer(rot),
		}, new(prefixed.TextFormatter)))
	}

	return &Root{Logger: logger}, nil
}

// For returns a subsystem-scoped logger, e.g. root.For("scheduler").
func (r *Root) For(subsystem string) *logrus.Entry {
	return r.WithField("subsystem", subsystem)
}

func level(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}
