// Package logrus adapts a logrus entry to meshcache.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/meshcache"
)

type Logger struct{ E *logrus.Entry }

var _ meshcache.Logger = Logger{}

func (l Logger) Debug(msg string, f meshcache.Fields) {
	l.E.WithFields(logrus.Fields(f)).Debug(msg)
}
func (l Logger) Info(msg string, f meshcache.Fields) { l.E.WithFields(logrus.Fields(f)).Info(msg) }
func (l Logger) Warn(msg string, f meshcache.Fields) { l.E.WithFields(logrus.Fields(f)).Warn(msg) }
func (l Logger) Error(msg string, f meshcache.Fields) {
	l.E.WithFields(logrus.Fields(f)).Error(msg)
}
