// Copyright 2025 Brickfolio Authors
// SPDX-License-Identifier: Apache-2.0

package bricksync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// CompletionStat is the derived owned-vs-required summary for one set. It is
// recomputed on demand and never persisted.
type CompletionStat struct {
	ID         string `json:"id"`
	OwnedCount int    `json:"owned_count"`
	TotalParts int    `json:"total_parts"`

	// Display metadata, attached by EnrichStats.
	Name     string `json:"name,omitempty"`
	Year     int    `json:"year,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// CloudItemMeta is the coarse remote-reported metadata for one set.
type CloudItemMeta struct {
	TotalParts int    `json:"total_parts"`
	Name       string `json:"name,omitempty"`
	Year       int    `json:"year,omitempty"`
	ImageURL   string `json:"image_url,omitempty"`
}

// DisplayMeta is the minimal metadata needed to render a stat.
type DisplayMeta struct {
	Name     string
	Year     int
	ImageURL string
}

// MergeCompletionStats combines local authoritative stats with remote-reported
// owned counts into one deterministic view.
//
// Precedence rules:
//   - A set present locally keeps max(local, cloud) owned count; local wins
//     ties because it may hold un-synced increments.
//   - A local set with no resolvable size (owned rows but no cached catalog)
//     takes the coarser cloudMeta figure; with neither it stays unsized and
//     falls out of the view.
//   - A cloud-only set resolves totalParts from localTotals first (derived
//     from the accurate local catalog cache), falling back to the coarser
//     cloudMeta figure, and is dropped when neither is positive.
//   - Exactly-complete sets are excluded (this is the in-progress view); an
//     over-count from stale data is clamped to totalParts but still shown.
//
// Output order is sorted by id, so iteration order of the map inputs never
// leaks into the result.
func MergeCompletionStats(local []CompletionStat, cloudOwned map[string]int,
	cloudMeta map[string]CloudItemMeta, localTotals map[string]int) []CompletionStat {

	working := make(map[string]CompletionStat, len(local)+len(cloudOwned))
	for _, stat := range local {
		if stat.TotalParts <= 0 {
			stat.TotalParts = cloudMeta[stat.ID].TotalParts
		}
		working[stat.ID] = stat
	}

	for id, cloudCount := range cloudOwned {
		if existing, ok := working[id]; ok {
			if cloudCount > existing.OwnedCount {
				existing.OwnedCount = cloudCount
			}
			working[id] = existing
			continue
		}
		totalParts := localTotals[id]
		if totalParts <= 0 {
			totalParts = cloudMeta[id].TotalParts
		}
		if totalParts <= 0 {
			// No resolvable size from either source; unusable.
			continue
		}
		working[id] = CompletionStat{ID: id, OwnedCount: cloudCount, TotalParts: totalParts}
	}

	out := make([]CompletionStat, 0, len(working))
	for _, stat := range working {
		if stat.TotalParts <= 0 || stat.OwnedCount <= 0 {
			continue
		}
		if stat.OwnedCount == stat.TotalParts {
			continue
		}
		if stat.OwnedCount > stat.TotalParts {
			stat.OwnedCount = stat.TotalParts
		}
		out = append(out, stat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EnrichStats attaches display metadata with priority cloud metadata, then the
// recently-viewed cache, then the local catalog cache. A stat matching none of
// the three is dropped: without metadata there is nothing to display.
func EnrichStats(stats []CompletionStat, cloudMeta map[string]CloudItemMeta,
	recent map[string]DisplayMeta, catalog map[string]DisplayMeta) []CompletionStat {

	out := make([]CompletionStat, 0, len(stats))
	for _, stat := range stats {
		if meta, ok := cloudMeta[stat.ID]; ok && meta.Name != "" {
			stat.Name = meta.Name
			stat.Year = meta.Year
			stat.ImageURL = meta.ImageURL
			out = append(out, stat)
			continue
		}
		if meta, ok := recent[stat.ID]; ok && meta.Name != "" {
			stat.Name = meta.Name
			stat.Year = meta.Year
			stat.ImageURL = meta.ImageURL
			out = append(out, stat)
			continue
		}
		if meta, ok := catalog[stat.ID]; ok && meta.Name != "" {
			stat.Name = meta.Name
			stat.Year = meta.Year
			stat.ImageURL = meta.ImageURL
			out = append(out, stat)
			continue
		}
	}
	return out
}

// SetPartPayload is the cached catalog row payload for a part row of a set.
// Minifigure-parent rows are synthetic: they double-count componentry already
// present as individual rows and are excluded from every sum.
type SetPartPayload struct {
	PartKey          string `json:"part_key"`
	QuantityRequired int    `json:"quantity_required"`
	IsMinifigParent  bool   `json:"is_minifig_parent"`
	Name             string `json:"name,omitempty"`
}

// SetPayload is the cached catalog row payload for a set itself.
type SetPayload struct {
	SetID    string `json:"set_id"`
	Name     string `json:"name"`
	Year     int    `json:"year,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// AggregateLocalStats computes the local half of the merge inputs for the
// given sets: totalParts from the cached catalog, ownedCount from the owned
// table with each part's contribution capped at its required quantity. A set
// with owned rows but no cached catalog rows is reported with totalParts 0 so
// callers can fall back to cloud metadata.
func AggregateLocalStats(ctx context.Context, store *Store, setIDs []string) ([]CompletionStat, error) {
	stats := make([]CompletionStat, 0, len(setIDs))
	for _, setID := range setIDs {
		rows, err := store.GetCatalogRows(ctx, KindSetPart, setID)
		if err != nil {
			return nil, fmt.Errorf("failed to load catalog parts for %s: %w", setID, err)
		}
		required := make(map[string]int, len(rows))
		minifigParent := make(map[string]bool)
		totalParts := 0
		for _, row := range rows {
			var part SetPartPayload
			if err := json.Unmarshal(row.Payload, &part); err != nil {
				return nil, fmt.Errorf("failed to decode catalog part %s: %w", row.ItemKey, err)
			}
			if part.IsMinifigParent {
				minifigParent[row.ItemKey] = true
				continue
			}
			required[row.ItemKey] = part.QuantityRequired
			totalParts += part.QuantityRequired
		}

		owned, err := store.GetOwnedRows(ctx, setID)
		if err != nil {
			return nil, fmt.Errorf("failed to load owned rows for %s: %w", setID, err)
		}
		ownedCount := 0
		for key, qty := range owned {
			if minifigParent[key] {
				continue
			}
			if req := required[key]; qty > req {
				qty = req
			}
			ownedCount += qty
		}

		stats = append(stats, CompletionStat{ID: setID, OwnedCount: ownedCount, TotalParts: totalParts})
	}
	return stats, nil
}

// CatalogDisplayMeta builds the id -> display metadata map from cached set
// rows, for the final enrichment fallback.
func CatalogDisplayMeta(ctx context.Context, store *Store, scopeID string) (map[string]DisplayMeta, error) {
	rows, err := store.GetCatalogRows(ctx, KindSet, scopeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cached sets: %w", err)
	}
	out := make(map[string]DisplayMeta, len(rows))
	for _, row := range rows {
		var set SetPayload
		if err := json.Unmarshal(row.Payload, &set); err != nil {
			continue
		}
		out[row.ItemKey] = DisplayMeta{Name: set.Name, Year: set.Year, ImageURL: set.ImageURL}
	}
	return out, nil
}
