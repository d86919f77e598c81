package auditlog

import (
	"context"
	"errors"
	"fmt"
)

// Multi fans a record out to several sinks. Every sink is attempted; the
// returned error joins the failures.
type Multi []Sink

var _ Sink = Multi(nil)

// Append writes r to each sink in order.
func (m Multi) Append(ctx context.Context, r Record) error {
	var errs []error
	for i, s := range m {
		if err := s.Append(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
