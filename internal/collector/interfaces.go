package collector

import (
	"context"
	"time"
)

// SourceCatalog persists the model catalog.
type SourceCatalog interface {
	// EnsureSource inserts the source unless its key already exists and
	// reports whether a row was created.
	EnsureSource(ctx context.Context, source Source) (bool, error)
	ListSources(ctx context.Context) ([]Source, error)
}

// IdentityStore persists apps keyed by URL.
type IdentityStore interface {
	ListIdentityURLs(ctx context.Context) ([]string, error)
	// InsertIdentities inserts identities whose URL is not yet stored and
	// returns the number of rows created.
	InsertIdentities(ctx context.Context, identities []Identity) (int, error)
	RefreshAmounts(ctx context.Context, updates []AmountUpdate) error
	ListIdentitiesMissing(ctx context.Context, policy BackfillPolicy) ([]Identity, error)
	UpdateIdentityMetadata(ctx context.Context, id int64, update MetadataUpdate) error
	ListIdentities(ctx context.Context) ([]Identity, error)
}

// RunLedger persists runs and append-only usage history.
type RunLedger interface {
	OpenRun(ctx context.Context, collectedAt time.Time) (Run, error)
	AppendUsage(ctx context.Context, records []UsageRecord) (int, error)
	LatestRun(ctx context.Context) (Run, error)
	ListUsageByRun(ctx context.Context, runID int64) ([]UsageRecord, error)
}

// Store is the full persistence surface used by the commands.
type Store interface {
	SourceCatalog
	IdentityStore
	RunLedger
	Close()
}

// Gateway extracts structured data from source listings and app pages.
type Gateway interface {
	Usage(ctx context.Context, sourceKey string) ([]UsageEntry, error)
	Details(ctx context.Context, appURL string) (AppDetails, error)
	Category(ctx context.Context, appURL string) (Category, error)
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces execution correlation IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Page is a rendered document.
type Page struct {
	RequestedURL string
	URL          string
	StatusCode   int
	HTML         string
	Headless     bool
}

// Renderer loads a URL and returns its document once scripts have settled
// (or the raw response, for static renderers).
type Renderer interface {
	Render(ctx context.Context, url string) (Page, error)
}
