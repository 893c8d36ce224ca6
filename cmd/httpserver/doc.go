// Package main (cmd/httpserver) serves the multi-cloud storage gateway API.
//
// The server loads the gateway configuration (YAML with environment and Vault
// references), builds the backend registry and gateway, and exposes the
// storage API under /api/multicloud together with health, drain and metrics
// endpoints. It shuts down gracefully on SIGINT/SIGTERM.
//
// Example usage:
//
//	multicloud-server --config=./multicloud.yaml \
//	    --listen-addr=0.0.0.0:8080 \
//	    --metrics-addr=0.0.0.0:8090 \
//	    --log-json
package main
