package logger

import (
	"github.com/teranos/optrack/sym"
	"go.uber.org/zap"
)

// The symbol goes into a structured field, never the message, so logs stay
// queryable by subsystem.

// AddPulseSymbol wraps an instance logger with the Pulse symbol (꩜)
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Pulse)
}

// AddDBSymbol wraps an instance logger with the DB symbol (⊔)
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.DB)
}
