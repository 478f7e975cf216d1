/*
Package api holds the wire types of the engine's HTTP interface and the
configuration of the server exposing it.

The engine API carries contract calls from the chain node to the enclave:

  - POST /api/v1/init - instantiate a contract, returns its contract key
  - POST /api/v1/handle - execute a state changing call
  - POST /api/v1/query - execute a read-only call
  - GET /api/v1/io-pubkey - the key callers encrypt their messages to

Request bodies are CallRequest values. Contract messages are end-to-end
encrypted between the caller and the enclave; the host relaying a call only
sees the plaintext Env and the encrypted envelope. A failed call is answered
with an ErrorResponse whose Kind names the interfaces.ErrorKind of the
failure, so clients can tell retryable failures (busy) from permanent ones.

The admin API is only mounted while a node recovers its seed from Shamir
shares:

  - GET /admin/status - recovery progress
  - POST /admin/share - submit one signed share

See the clients subpackage for a Go client.
*/
package api
