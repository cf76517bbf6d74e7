package log

import (
	"maps"

	"go.uber.org/zap/zapcore"
)

// zapCore exposes Logger as a zapcore.Core so that libraries speaking
// zap can write through the process log. Level handling is reduced to
// the Debug flag: everything above DebugLevel is always recorded.
//
// TODO: Migrate to using actual zapcore to improve logging performance
type zapCore struct {
	L Logger
}

func (c zapCore) Enabled(level zapcore.Level) bool {
	if c.L.Debug {
		return true
	}
	return level > zapcore.DebugLevel
}

func (c zapCore) With(fields []zapcore.Field) zapcore.Core {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}

	newF := make(map[string]interface{}, len(c.L.Fields)+len(enc.Fields))
	maps.Copy(newF, c.L.Fields)
	maps.Copy(newF, enc.Fields)
	c.L.Fields = newF
	return c
}

func (c zapCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return ce.AddCore(entry, c)
	}
	return ce
}

func (c zapCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	if entry.LoggerName != "" {
		c.L.Name += "/" + entry.LoggerName
	}
	c.L.log(entry.Level == zapcore.DebugLevel, c.L.formatMsg(entry.Message, enc.Fields))
	return nil
}

func (zapCore) Sync() error {
	return nil
}
