// Package ics implements a calendar provider for iCalendar subscription
// feeds (Google secret address, Outlook published calendars, iCloud public
// calendars, ...).
package ics

import (
	"context"
	"time"

	"chronocal/internal/model"
	"chronocal/internal/provider"
)

// Provider serves events from one ICS subscription.
type Provider struct {
	src     Source
	fetcher *Fetcher
	loc     *time.Location
}

// NewProvider returns a provider for src using fetcher for HTTP and caching.
func NewProvider(src Source, fetcher *Fetcher, loc *time.Location) *Provider {
	if loc == nil {
		loc = time.Local
	}
	return &Provider{src: src, fetcher: fetcher, loc: loc}
}

func (p *Provider) ID() string {
	return p.src.ID
}

func (p *Provider) FetchEvents(ctx context.Context, window model.Window) ([]model.Event, error) {
	res, err := p.fetcher.Fetch(ctx, p.src)
	if err != nil {
		return nil, provider.Wrap(p.src.ID, err)
	}
	parsed, err := ParseICS(p.src, res.Body)
	if err != nil {
		return nil, provider.Wrap(p.src.ID, err)
	}
	expanded, err := ExpandOccurrences(p.src, parsed, ExpandConfig{
		Location: p.loc,
		Window:   window,
	})
	if err != nil {
		return nil, provider.Wrap(p.src.ID, err)
	}
	return expanded.Events, nil
}
