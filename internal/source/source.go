// Package source defines the contract between the crawl engine and
// per-site adapters. Each government portal implements Adapter once and
// registers itself under its source name; the engine resolves adapters
// through the registry and never sees site-specific code.
package source

import (
	"context"
	"errors"

	"github.com/lexbr/norm-harvester/internal/norm"
)

// Sink receives what an adapter harvests. Publish and PublishError are
// safe for concurrent use by the adapter's workers.
type Sink interface {
	Publish(doc norm.Document)
	PublishError(rec norm.ErrorRecord)
}

// Adapter scrapes one government site. ScrapeYear harvests every
// document of a single year, publishing results and per-document
// failures to the sink. Returning an error aborts the whole run, so
// adapters reserve it for conditions where continuing is pointless.
type Adapter interface {
	Name() string
	ScrapeYear(ctx context.Context, year int, sink Sink) error
}

// Options declares what infrastructure an adapter needs and how the
// site classifies its documents.
type Options struct {
	// UseBrowser requests rendered-DOM navigation through the session pool.
	UseBrowser bool
	// UseVPN requests egress rotation when the site blocks the client.
	UseVPN bool
	// MultipleSessions asks for one browser session per worker instead
	// of a single shared session.
	MultipleSessions bool
	// DocType is the site's norm type label, used in storage paths.
	DocType string
	// Situations are the validity labels the site is queried with.
	Situations []string
}

// Validate rejects option combinations that cannot be satisfied.
func (o Options) Validate() error {
	if o.MultipleSessions && !o.UseBrowser {
		return errors.New("multiple sessions require the browser pool")
	}
	return nil
}

// DefaultSituations returns the situation labels most portals use when
// the adapter does not declare its own.
func DefaultSituations() []string {
	return []string{norm.DefaultValidSituation, norm.DefaultInvalidSituation}
}
