// Package interfaces defines the contract shared by the gateway, the driver
// registry and the backend adapters, separating interface definitions from
// implementations.
//
// # Provider Contract
//
// Adapter is implemented once per cloud backend (S3-compatible services, Azure
// Blob, Cloudinary, IPFS, local disk). Every operation returns an
// OperationResult, a normalized record whose Status is either success or
// error. Error results never carry payload fields.
//
// # Error Taxonomy
//
// Failures are classified by sentinel errors and surfaced with ErrorKind:
//
//	ErrValidation        malformed input, raised before any backend is touched
//	ErrUnknownBackend    name not registered or disabled
//	ErrConnection        backend could not be constructed or connected
//	ErrProvider          backend operation failed (retryable)
//	ErrSigningFailed     backend could not produce a signed URL
//	ErrFallbackExhausted every backend in the chain failed (*FallbackError)
//
// # Usage
//
// UsageReport is the per-backend storage, request and cost snapshot returned
// in OperationResult.Usage by Adapter.GetUsage.
package interfaces
