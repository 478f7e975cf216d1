// Package secretmsg implements the encrypted call envelope and the selective
// encryption of contract results.
//
// A call payload travels as
//
//	nonce[32] ‖ caller_public_key[32] ‖ AES-SIV(key, plaintext)
//
// where key = AESKey(X25519(io_keypair, caller_public_key)).DeriveKey(nonce).
// The plaintext of an init or handle message starts with the hex encoded code
// hash of the target contract (see StripCodeHash).
//
// Results are encrypted leaf by leaf under the same key, so the host can still
// route outgoing messages and index events. Each supported contract ABI has its
// own typed result schema (ResultV010, ResultV1); the fields that carry contract
// data are listed in the schema, everything else stays plaintext:
//
//   - Err payloads become {"generic_err":{"msg": enc(err)}}
//   - Ok strings (query answers) become enc(ok)
//   - encrypted log entries and event attributes get key and value encrypted
//   - data is encrypted
//   - the msg of an outgoing wasm execute or instantiate message is re-wrapped
//     as a SecretMessage with the same nonce and caller key, and signed with
//     the callback secret so the receiving contract can trust its origin
package secretmsg
