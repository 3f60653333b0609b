// Package imagestore abstracts the backing storage that scan volumes
// are read from. The production deployment fronts a PACS gateway; this
// repository ships an in-memory store and a deterministic synthetic
// phantom generator used by the CLI demo and the test suite.
package imagestore
