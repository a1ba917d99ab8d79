// Package batch collapses duplicate requests into unique work units and fans
// them out concurrently while preserving the caller's input order.
package batch

import "strings"

// WorkUnit is the deduplicated, canonical form of one or more batch items
// sharing the same logical key. Positions lists every original input index
// the unit's outcome must populate, in input order.
type WorkUnit[T any] struct {
	Key       string
	Item      T
	Positions []int
}

// Dedup groups items by keyFn, preserving the first-seen order of keys. Equal
// keys always merge into exactly one WorkUnit regardless of input ordering or
// duplicate count. The representative Item is the first item seen for a key.
func Dedup[T any](items []T, keyFn func(T) string) []WorkUnit[T] {
	units := make([]WorkUnit[T], 0, len(items))
	index := make(map[string]int, len(items))
	for pos, item := range items {
		key := keyFn(item)
		if at, seen := index[key]; seen {
			units[at].Positions = append(units[at].Positions, pos)
			continue
		}
		index[key] = len(units)
		units = append(units, WorkUnit[T]{
			Key:       key,
			Item:      item,
			Positions: []int{pos},
		})
	}
	return units
}

// NormalizeBrand canonicalizes a brand name for dedup: lowercased with
// whitespace runs collapsed to single spaces. Platform ids and content keys
// compare by exact value and must not go through this.
func NormalizeBrand(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
