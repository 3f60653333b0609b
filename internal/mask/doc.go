// Package mask represents binary segmentation masks over voxel grids,
// together with the geometric and set operations the analysis pipeline
// needs: bounding boxes, centroids, union, intersection, morphological
// refinement, and connected-component extraction.
package mask
