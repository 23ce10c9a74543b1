package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Standard field names so every component logs ledger and rule context the
// same way.
const (
	FieldLedgerID    = "ledger_id"
	FieldJobID       = "job_id"
	FieldRuleDomain  = "rule_domain"
	FieldRuleID      = "rule_id"
	FieldEntityKind  = "entity_kind"
	FieldEntityID    = "entity_id"
	FieldCompanyID   = "company_id"
	FieldColumnID    = "column_id"
	FieldExecuteAt   = "execute_at"
	FieldOutcome     = "outcome"
	FieldDepth       = "depth"
	FieldComponent   = "component"
	FieldRequestID   = "request_id"
	FieldDurationMS  = "duration_ms"
	FieldCount       = "count"
	FieldError       = "error"
	FieldAttempt     = "attempt"
	FieldReason      = "reason"
	FieldChannel     = "channel"
	FieldTargetColID = "target_column_id"
)

// New builds the process logger. format is "json" or "console".
func New(level, format string) (*zap.SugaredLogger, error) {
	zapLevel := zap.InfoLevel
	if err := zapLevel.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		zapLevel = zap.InfoLevel
	}

	var cfg zap.Config
	if strings.EqualFold(format, "console") {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// OrNop returns logger, or a no-op logger when nil.
func OrNop(logger *zap.SugaredLogger) *zap.SugaredLogger {
	if logger == nil {
		return zap.NewNop().Sugar()
	}
	return logger
}

// Component tags every entry with the emitting component.
func Component(logger *zap.SugaredLogger, name string) *zap.SugaredLogger {
	return OrNop(logger).With(FieldComponent, name)
}
