// Package provider defines the calendar source boundary.
package provider

import (
	"context"
	"fmt"

	"chronocal/internal/model"
)

// Provider fetches events for a time window from one external calendar.
type Provider interface {
	// ID returns the unique instance ID of this provider. It prefixes every
	// event key the provider produces.
	ID() string

	// FetchEvents retrieves events overlapping window. Failures are returned
	// as *ProviderError.
	FetchEvents(ctx context.Context, window model.Window) ([]model.Event, error)
}

// ProviderError reports that a provider could not be reached or returned an
// unusable payload. It is transient: the provider is retried on the next
// sync interval.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Wrap returns err as a *ProviderError for id, or nil when err is nil.
func Wrap(id string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: id, Err: err}
}
