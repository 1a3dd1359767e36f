// Package router maps keys to the region stores owning them. Regions are kept in a
// google/btree ordered by their start key, so a lookup is a descend from the key to the
// closest region start. Adding a region that overlaps a routed one fails with ErrOverlap.
package router
