// Package notify fans incident notifications out to several channels.
package notify

import (
	"context"
	"errors"

	"github.com/linnemanlabs/aftermath/internal/incident"
)

// Fanout delivers to every notifier in order. One failing channel never
// stops the others; their errors are joined.
type Fanout []incident.Notifier

// New returns the non-nil notifiers as a single incident.Notifier, or nil
// when there are none.
func New(ns ...incident.Notifier) incident.Notifier {
	var out Fanout
	for _, n := range ns {
		if n != nil {
			out = append(out, n)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return out
}

// Notify implements incident.Notifier.
func (f Fanout) Notify(ctx context.Context, inc *incident.Incident) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, inc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
