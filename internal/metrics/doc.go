// Package metrics derives quantitative measurements from a
// segmentation mask and its source volume: physical volume, surface
// area, maximum diameter, sphericity, and first-order intensity
// statistics. All measurements account for anisotropic voxel spacing
// and are deterministic for identical inputs.
package metrics
