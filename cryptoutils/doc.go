// Package cryptoutils seals object content before it leaves the gateway.
//
// Sealed objects are laid out as
//
//	magic "MCG1" | 24-byte nonce | XChaCha20-Poly1305 ciphertext
//
// and authenticated against the object path, so a sealed object copied to a
// different path fails to open. Keys are 32 raw bytes given in base64 or hex,
// or derived from a passphrase with Argon2id.
package cryptoutils
