// Package storage persists ledger events and state snapshots.
package storage

import (
	"context"
	"errors"

	"cofinance/internal/model"
)

// EventSink receives committed ledger events.
type EventSink interface {
	PutEvents(ctx context.Context, events []model.Event) error
}

// MultiSink fans events out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) PutEvents(ctx context.Context, events []model.Event) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.PutEvents(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
