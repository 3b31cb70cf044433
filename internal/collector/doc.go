// Package collector holds the domain types and collaborator interfaces shared
// by the collection pipeline, the extraction gateway and the stores: sources
// (models), identities (apps), runs (collect batches) and usage history.
package collector
