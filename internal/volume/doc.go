// Package volume defines the in-memory representation of volumetric
// scan data: dense float32 voxel grids with physical spacing metadata,
// plus a Reader abstraction that lets callers stream individual slabs
// without materializing an entire study in memory.
package volume
