// Package storage provides the cloud backend adapters behind the gateway.
//
// Every adapter implements interfaces.Adapter. A Factory maps a backend's
// driver name to a constructor; adapters are created unconnected and receive
// their settings through Connect.
//
// # Drivers
//
//   - aws, gcp, alibaba, ibm, digitalocean, oracle, cloudflare, s3: one
//     S3Adapter per flavor, built on aws-sdk-go with flavor-specific endpoints,
//     credential keys and public URL shapes
//   - azure: Blob Storage REST with shared access signatures
//   - cloudinary: Upload and Admin REST APIs with signed requests
//   - ipfs: the node's mutable file system through go-ipfs-api
//   - local: a directory on disk, with HMAC-signed URLs
//   - memory: process memory, for development and tests
//
// # Errors
//
// Operation failures wrap interfaces.ErrProvider. Missing objects additionally
// wrap interfaces.ErrObjectNotFound. Deletes are idempotent on every driver.
//
// # Usage
//
// GetUsage reports stored volume, the adapter's request counters since
// connection and a cost estimate from Pricing. Prices default to each
// provider's list price and can be overridden with the backend options
// price_storage_gb_month, price_put_per_1000, price_get_per_1000 and currency.
package storage
