// Package services provides the centralized service registry for segmentd.
//
// Registry pattern for accessing the core services (image store, volume
// cache, inference engine, analyzer, validation gate). Use NewRegistry()
// to create a registry with service instances, then accessor methods to
// retrieve individual services. Bootstrap() wires the default stack from
// a loaded configuration.
package services
