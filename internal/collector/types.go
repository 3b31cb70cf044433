package collector

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/app-usage-collector/internal/tokens"
)

// ErrNotFound is returned by stores when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Category is the closed set of app categories assigned during backfill.
type Category string

// Supported categories.
const (
	CategoryCoding            Category = "Coding"
	CategoryMarketing         Category = "Marketing"
	CategoryPersonalAssistant Category = "Personal Assistant"
	CategoryRoleplay          Category = "Roleplay"
	CategoryTranslation       Category = "Translation"
	CategoryOthers            Category = "Others"
)

// Categories lists every valid category in display order.
func Categories() []Category {
	return []Category{
		CategoryCoding,
		CategoryMarketing,
		CategoryPersonalAssistant,
		CategoryRoleplay,
		CategoryTranslation,
		CategoryOthers,
	}
}

// ParseCategory matches raw case-insensitively against the closed set.
func ParseCategory(raw string) (Category, error) {
	trimmed := strings.Trim(strings.TrimSpace(raw), `"'.`)
	for _, c := range Categories() {
		if strings.EqualFold(trimmed, string(c)) {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", raw)
}

// BackfillPolicy selects which identities the backfill pass revisits.
type BackfillPolicy string

// Backfill policies.
const (
	// BackfillCombined revisits identities missing a description or a category.
	BackfillCombined BackfillPolicy = "combined"
	// BackfillCategoryOnly revisits identities missing a category only.
	BackfillCategoryOnly BackfillPolicy = "category_only"
)

// ParseBackfillPolicy validates a configured policy name.
func ParseBackfillPolicy(raw string) (BackfillPolicy, error) {
	switch p := BackfillPolicy(strings.ToLower(strings.TrimSpace(raw))); p {
	case BackfillCombined, BackfillCategoryOnly:
		return p, nil
	default:
		return "", fmt.Errorf("unknown backfill policy %q", raw)
	}
}

// Needs reports whether an identity is eligible for backfill under the policy.
func (p BackfillPolicy) Needs(identity Identity) bool {
	if identity.Category == nil {
		return true
	}
	return p == BackfillCombined && identity.Description == nil
}

// Source is a model whose listing page is scraped for app usage.
type Source struct {
	ID          int64     `json:"id"`
	Key         string    `json:"model_name"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Identity is an app keyed by its URL.
type Identity struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	Description *string   `json:"description"`
	Category    *Category `json:"category"`
	TokensUsed  *string   `json:"tokens_used"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Run is one execution of the collection pipeline.
type Run struct {
	ID          int64     `json:"id"`
	CollectedAt time.Time `json:"collected_at"`
}

// UsageRecord is one (run, app, source) usage observation.
type UsageRecord struct {
	RunID      int64     `json:"collect_batch_id"`
	AppName    string    `json:"app_name"`
	AppURL     string    `json:"app_url"`
	SourceKey  string    `json:"model_name"`
	Amount     string    `json:"tokens_used"`
	RecordedAt time.Time `json:"recorded_at"`
}

// UsageEntry is one app row extracted from a source listing.
type UsageEntry struct {
	Name   string        `json:"name"`
	URL    string        `json:"url"`
	Tokens tokens.Amount `json:"tokensUsed"`
}

// AppDetails is the name/description pair extracted from the aggregator page.
type AppDetails struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// AmountUpdate refreshes the denormalized last-seen amount of an identity.
type AmountUpdate struct {
	URL        string
	TokensUsed string
	UpdatedAt  time.Time
}

// MetadataUpdate fills null identity metadata. Nil fields are left alone and
// stores never overwrite a value that is already set.
type MetadataUpdate struct {
	Description *string
	Category    *Category
	UpdatedAt   time.Time
}

// Empty reports whether the update carries no fields.
func (u MetadataUpdate) Empty() bool {
	return u.Description == nil && u.Category == nil
}
