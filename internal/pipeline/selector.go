package pipeline

import (
	"context"
	"fmt"

	"github.com/JakeFAU/app-usage-collector/internal/collector"
)

// Task is the backfill work planned for one identity.
type Task struct {
	Identity     collector.Identity
	WantDetails  bool
	WantCategory bool
}

// Selector builds the backfill worklist.
type Selector struct {
	store  collector.IdentityStore
	policy collector.BackfillPolicy
}

// NewSelector returns a Selector reading from store under policy.
func NewSelector(store collector.IdentityStore, policy collector.BackfillPolicy) Selector {
	return Selector{store: store, policy: policy}
}

// Policy returns the configured backfill policy.
func (s Selector) Policy() collector.BackfillPolicy {
	return s.policy
}

// Select lists identities eligible under the policy and plans which
// extractions each one needs. Description is only requested under the
// combined policy.
func (s Selector) Select(ctx context.Context) ([]Task, error) {
	identities, err := s.store.ListIdentitiesMissing(ctx, s.policy)
	if err != nil {
		return nil, fmt.Errorf("select backfill worklist: %w", err)
	}
	tasks := make([]Task, 0, len(identities))
	for _, identity := range identities {
		if !s.policy.Needs(identity) {
			continue
		}
		tasks = append(tasks, Task{
			Identity:     identity,
			WantDetails:  s.policy == collector.BackfillCombined && identity.Description == nil,
			WantCategory: identity.Category == nil,
		})
	}
	return tasks, nil
}
