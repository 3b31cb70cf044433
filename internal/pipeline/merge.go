package pipeline

import "github.com/JakeFAU/app-usage-collector/internal/collector"

// SourceUsage is the settled usage fetch of one source.
type SourceUsage struct {
	SourceKey string
	Entries   []collector.UsageEntry
	Err       error
}

// Merge dedups entries across sources by URL. Sources are visited in order and
// the first occurrence of a URL wins; later duplicates are dropped.
func Merge(results []SourceUsage) []collector.UsageEntry {
	seen := make(map[string]struct{})
	var merged []collector.UsageEntry
	for _, res := range results {
		for _, entry := range res.Entries {
			if entry.URL == "" {
				continue
			}
			if _, ok := seen[entry.URL]; ok {
				continue
			}
			seen[entry.URL] = struct{}{}
			merged = append(merged, entry)
		}
	}
	return merged
}

// Partition splits merged entries into identities to create and amount
// refreshes for identities that already exist.
func Partition(merged []collector.UsageEntry, existing map[string]struct{}) ([]collector.UsageEntry, []collector.UsageEntry) {
	var fresh, known []collector.UsageEntry
	for _, entry := range merged {
		if _, ok := existing[entry.URL]; ok {
			known = append(known, entry)
			continue
		}
		fresh = append(fresh, entry)
	}
	return fresh, known
}
