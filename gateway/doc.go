// Package gateway is the storage facade in front of the backend registry.
//
// A Gateway validates requests, runs each operation through an Orchestrator
// that retries a failing backend with linear backoff and then walks the
// configured fallback chain, and annotates every result with the backend that
// served it. Usage reports are collected concurrently by a UsageAggregator,
// and signed URL lifetimes are bounded by a SigningPolicy.
package gateway
