// Package zap adapts a zap logger to meshcache.Logger.
package zap

import (
	"go.uber.org/zap"

	"github.com/unkn0wn-root/meshcache"
)

type Logger struct{ L *zap.Logger }

var _ meshcache.Logger = Logger{}

func (z Logger) Debug(msg string, f meshcache.Fields) { z.L.Debug(msg, zf(f)...) }
func (z Logger) Info(msg string, f meshcache.Fields)  { z.L.Info(msg, zf(f)...) }
func (z Logger) Warn(msg string, f meshcache.Fields)  { z.L.Warn(msg, zf(f)...) }
func (z Logger) Error(msg string, f meshcache.Fields) { z.L.Error(msg, zf(f)...) }

func zf(f meshcache.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		out = append(out, zap.Any(k, v))
	}
	return out
}
