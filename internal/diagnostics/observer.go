// Package diagnostics logs processing outcomes through zap.
package diagnostics

import (
	"github.com/MarkoPoloResearchLab/txengine/pkg/ledger"
	"go.uber.org/zap"
)

const (
	messageApplied = "transaction applied"
	messageIgnored = "transaction ignored"
)

// ZapObserver writes one log entry per processed record.
type ZapObserver struct {
	logger *zap.Logger
}

// NewZapObserver returns an observer backed by logger; a nil logger discards everything.
func NewZapObserver(logger *zap.Logger) *ZapObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapObserver{logger: logger}
}

// ObserveOutcome logs applied records at debug and everything else at warn.
func (observer *ZapObserver) ObserveOutcome(entry ledger.OutcomeLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.Uint16("client", uint16(entry.Client)),
		zap.Uint32("tx", uint32(entry.Tx)),
		zap.String("status", string(entry.Status)),
	}
	if entry.Amount != nil {
		fields = append(fields, zap.Stringer("amount", *entry.Amount))
	}
	if entry.Status == ledger.OutcomeApplied {
		observer.logger.Debug(messageApplied, fields...)
		return
	}
	fields = append(fields, zap.Error(entry.Error))
	observer.logger.Warn(messageIgnored, fields...)
}
