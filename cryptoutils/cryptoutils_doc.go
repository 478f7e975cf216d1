// Package cryptoutils provides the cryptographic primitives of the engine.
//
// # Deterministic AEAD
//
// AESKey.EncryptSIV / DecryptSIV implement AES-CMAC-SIV (RFC 5297) with a
// 256-bit key. Output is tag[16] ‖ ciphertext. The same key, plaintext and
// associated data always yield the same bytes, which lets independent nodes
// agree on encrypted state. AESKey.DeriveKey is the HKDF-SHA256 child-key
// derivation used throughout the key hierarchy.
//
// # Key agreement
//
// X25519KeyPair performs ECDH with callers and with peer nodes.
//
// # Sealing at rest
//
// SealingKey wraps Deoxys-II-256-128 with a random nonce under a key stretched
// from an operator secret with Argon2id. It protects sealed seeds, not state.
//
// # Administrator shares
//
// EncryptWithPublicKey / DecryptWithPrivateKey (ECIES over P-256 with AES-GCM)
// deliver seed shares to administrators; SignShare / VerifyShareSignature
// authenticate them on the way back.
//
// Format: [ephemeral key length (2 bytes)][ephemeral key][iv (12 bytes)][ciphertext]
//
// # Client certificates
//
// ClientCertificateLoader reads the PEM pair used for mutual TLS with Vault
// storage and rejects certificates outside their validity window.
//
// # Attestation
//
// AttestationBackend resolves the provider/verifier pair: "dcap" (TDX quotes
// via go-tdx-guest) or "dummy" (software, development only).
package cryptoutils
