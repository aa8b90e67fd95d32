// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

package sqlite

import (
	"sort"

	"github.com/vestige-dev/vestige/internal/storage"
)

// shape post-processes raw candidate rows into the final id list for the
// given result type. Candidates arrive sorted by timestamp (descending for
// most-variants, ascending for least-variants); coalescing queries carry
// one row per (event, subject) pair, plain ones one row per event.
func shape(cands []candidate, rt storage.ResultType, limit int) []uint32 {
	if !rt.Coalesces() {
		return dedupIDs(cands, limit)
	}

	type group struct {
		repID uint32
		repTS int64
		seen  map[uint32]bool
	}

	// The first row per key is the representative: the rows are already
	// sorted in the direction the result type wants.
	var order []int64
	groups := make(map[int64]*group)
	for _, c := range cands {
		key := c.subjID
		if rt.GroupsByActor() {
			key = c.actorID
		}
		g, ok := groups[key]
		if !ok {
			g = &group{repID: c.id, repTS: c.ts, seen: map[uint32]bool{}}
			groups[key] = g
			order = append(order, key)
		}
		g.seen[c.id] = true
	}

	if rt.ByPopularity() {
		asc := rt.Ascending()
		sort.SliceStable(order, func(i, j int) bool {
			gi, gj := groups[order[i]], groups[order[j]]
			if len(gi.seen) != len(gj.seen) {
				if asc {
					return len(gi.seen) < len(gj.seen)
				}
				return len(gi.seen) > len(gj.seen)
			}
			if asc {
				return gi.repTS < gj.repTS
			}
			return gi.repTS > gj.repTS
		})
	}

	ids := make([]uint32, 0, len(order))
	for _, key := range order {
		ids = append(ids, groups[key].repID)
		if limit > 0 && len(ids) == limit {
			break
		}
	}
	return ids
}

// dedupIDs applies the limit while guarding against repeated ids,
// preserving the sort order. Non-coalescing queries already select
// distinct events, so the guard rarely fires.
func dedupIDs(cands []candidate, limit int) []uint32 {
	seen := make(map[uint32]bool, len(cands))
	var ids []uint32
	for _, c := range cands {
		if seen[c.id] {
			continue
		}
		seen[c.id] = true
		ids = append(ids, c.id)
		if limit > 0 && len(ids) == limit {
			break
		}
	}
	return ids
}
