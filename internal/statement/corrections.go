package statement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CorrectionLog appends reviewer corrections. Recording never fails the
// caller; errors are logged and dropped.
type CorrectionLog struct {
	repo    Repository
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewCorrectionLog constructs the log.
func NewCorrectionLog(repo Repository, logger *slog.Logger) *CorrectionLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &CorrectionLog{repo: repo, logger: logger, nowFunc: time.Now}
}

// Validate checks the only two rules a correction has.
func (c Correction) Validate() error {
	if strings.TrimSpace(c.CorrectedText) == "" {
		return fmt.Errorf("%w: corrected_text is required", ErrValidation)
	}
	if !c.FieldType.Valid() {
		return fmt.Errorf("%w: unknown field_type %q", ErrValidation, c.FieldType)
	}
	return nil
}

// Record appends one correction and reports whether it was stored.
func (l *CorrectionLog) Record(ctx context.Context, c Correction) bool {
	if l == nil || l.repo == nil {
		return false
	}
	if err := c.Validate(); err != nil {
		l.logger.Warn("correction dropped", slog.String("field_type", string(c.FieldType)), slog.Any("error", err))
		return false
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = l.nowFunc().UTC()
	}
	if err := l.repo.AppendCorrection(ctx, c); err != nil {
		l.logger.Warn("correction not recorded",
			slog.String("statement_id", c.StatementID),
			slog.String("field_type", string(c.FieldType)),
			slog.Any("error", err))
		return false
	}
	return true
}

// RecordAll records each correction in turn.
func (l *CorrectionLog) RecordAll(ctx context.Context, cs []Correction) {
	for _, c := range cs {
		l.Record(ctx, c)
	}
}
