/*
Package httpserver exposes a contract engine over HTTP.

The server has two parts:

 1. Engine API - contract calls and the I/O key callers encrypt to
 2. Admin API - Shamir recovery of the consensus seed, mounted only when the
    node boots without its seed

# Engine API Endpoints

  - POST /api/v1/init - Instantiate a contract
  - POST /api/v1/handle - Execute a state-changing call
  - POST /api/v1/query - Execute a read-only call
  - GET /api/v1/io-pubkey - Get the I/O public key and its attestation
  - GET /livez - Liveness check
  - GET /readyz - Readiness check, failing until the seed is installed
  - GET /drain - Gracefully mark server as not ready
  - GET /undrain - Mark server as ready

Call bodies are api.CallRequest. Contract code is sent inline or named by
its hash when the node has code storage configured. Every call runs
against the node's host store; state changes of a successful init or handle
are committed before the response is written.

Failed calls answer with api.ErrorResponse. The status is derived from the
error kind:

  - MalformedInput: 400
  - AuthenticationFailure: 403
  - GasExhausted, UnsupportedModule, Execution: 422
  - KeyUnavailable, Busy: 503
  - HostIO: 502
  - anything else: 500

# Admin API Endpoints

  - GET /admin/status - Get current recovery status
  - POST /admin/share - Submit a signed share

Shares are signed by their administrator, and the signature is checked against
the configured administrator keys. Once the threshold is met the recovered
seed is installed in the keychain and the engine API becomes ready.
*/
package httpserver
