// Package volumecache keeps recently used scan volumes resident in
// memory under a configurable byte ceiling. Entries are evicted in
// least-recently-used order, pinned entries are never evicted, and
// volumes larger than the ceiling are served through an on-demand slab
// reader instead of being admitted.
package volumecache
