/*
Package httpserver serves the storage gateway over HTTP.

All storage endpoints live under /api/multicloud and accept an optional
provider parameter naming the backend. Requests are validated here, before
they reach the gateway; validation failures are answered with 422 and a
per-field error map.

# Endpoints

  - POST /api/multicloud/upload - multipart upload (file, path, provider, visibility, content_type, cache_control)
  - GET /api/multicloud/download - raw object bytes
  - DELETE /api/multicloud/delete - delete an object
  - GET /api/multicloud/list - list objects under path
  - GET /api/multicloud/exists - check an object
  - GET /api/multicloud/metadata - object metadata
  - GET /api/multicloud/signed-url - time-boxed access URL (expiration in seconds)
  - GET /api/multicloud/usage - usage and cost per backend
  - GET /api/multicloud/test-connection - check one backend
  - GET /api/multicloud/providers - configured backends
  - GET /livez, /readyz, /drain, /undrain - health and draining

# Errors

Gateway errors map onto status codes: validation 422, unknown backend 404,
connection, provider and signing failures 502, and an exhausted fallback
chain 503. Error bodies list the backends that were tried, in order.

Every response that carries an object names the serving backend in the
X-Served-By header.
*/
package httpserver
