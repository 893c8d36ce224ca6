// Package registry resolves backend names to connected adapters.
//
// A Registry is built explicitly from the configured backends and an
// interfaces.AdapterFactory. Adapters are constructed lazily on first
// resolution and cached for the lifetime of the registry. Concurrent first
// resolutions of the same name construct and connect the adapter exactly once;
// a failed connection is never cached, so the next resolution retries.
//
// The backend catalog (names, display names, drivers, enabled flags) is static
// and can be listed without connecting to anything.
package registry
