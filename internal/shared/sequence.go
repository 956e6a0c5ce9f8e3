package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NumberGenerator issues sequential, human-readable document numbers.
// Counters are scoped per document kind and year; the increment happens in a
// single upsert so concurrent callers never observe the same value.
type NumberGenerator struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewNumberGenerator constructs the generator.
func NewNumberGenerator(pool *pgxpool.Pool) *NumberGenerator {
	return &NumberGenerator{pool: pool, now: time.Now}
}

// WithNow overrides the generator clock for testing.
func (g *NumberGenerator) WithNow(fn func() time.Time) {
	if fn != nil {
		g.now = fn
	}
}

// Next returns the next number for the scope, e.g. Next(ctx, "INV") -> "INV-2026-000042".
func (g *NumberGenerator) Next(ctx context.Context, scope string) (string, error) {
	if g == nil || g.pool == nil {
		return "", errors.New("number generator not initialised")
	}
	if scope == "" {
		return "", errors.New("number scope required")
	}
	year := g.now().UTC().Year()
	var value int64
	err := g.pool.QueryRow(ctx, `INSERT INTO sequence_counters (scope, year, value)
VALUES ($1, $2, 1)
ON CONFLICT (scope, year) DO UPDATE SET value = sequence_counters.value + 1
RETURNING value`, scope, year).Scan(&value)
	if err != nil {
		return "", err
	}
	return FormatDocumentNumber(scope, year, value), nil
}

// FormatDocumentNumber renders the canonical document number layout.
func FormatDocumentNumber(scope string, year int, value int64) string {
	return fmt.Sprintf("%s-%d-%06d", scope, year, value)
}
