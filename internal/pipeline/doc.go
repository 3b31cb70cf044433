// Package pipeline orchestrates collection runs and metadata backfill.
//
// A collection run seeds the source catalog, opens a run, fans usage fetches
// out through the scheduler, merges the listings by app URL, persists new
// identities and the per-source history rows, then optionally backfills
// identities that still lack a description or category. Only failures before
// the run is opened abort; everything after is counted in the summary.
package pipeline
