// Package lsmtree provides an embeddable, ordered key/value store built as
// a log-structured merge-tree. It maps variable-length keys to
// variable-length values, with point lookups, inserts, deletes, and
// monoidal upserts, plus table duplication and session-scoped snapshots.
// Lookups take one key at a time and updates are applied one call at a
// time; there is no range lookup and no batched update call.
//
// The hard parts -- run construction, the bloom/index/page-fetch lookup
// pipeline, incremental merge, and the level-scheduled merge policy --
// live in the page, bloom, index, run, merge, lookup, and level
// subpackages; this root package is a thin facade plus the Entry/Config/
// Error vocabulary they share. Package session adds the directory
// bookkeeping and named-snapshot registry one layer above Table.
//
// Concurrency follows spec.md §5: each Table serializes its public
// operations behind one internal lock, held across their I/O. Merge steps
// run inside Insert, Delete, Mupsert and Flush under that same lock, so a
// concurrent Lookup on the same Table waits for them. Runs are
// reference-counted and shared across Duplicate calls and snapshots.
package lsmtree
