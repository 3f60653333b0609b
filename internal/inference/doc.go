// Package inference defines the model-serving boundary of the
// pipeline. The orchestrator talks to an Engine that turns a
// preprocessed scan volume into a per-voxel probability map for one
// anatomical region. A deterministic synthetic engine is included for
// the CLI demo and tests; production deployments plug in a remote
// serving backend behind the same interface.
package inference
