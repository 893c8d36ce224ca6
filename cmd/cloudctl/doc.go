// Package main (cmd/cloudctl) is the operator CLI for the configured storage
// backends.
//
// Commands:
//
//	providers        list configured backends
//	usage            storage usage and estimated cost (table, json or csv)
//	test-connection  check backends; never falls back
//	deploy           simulated deployment to a backend after a connection check
//	signed-url       time-limited download URL for one object
//
// Example usage:
//
//	cloudctl --config=./multicloud.yaml usage --all --format=csv
//	cloudctl usage -p aws -p azure --detailed
//	cloudctl deploy -p gcp --environment=staging --dry-run
package main
