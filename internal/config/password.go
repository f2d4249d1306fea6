package config

import "crypto/sha256"

// DeriveKey implements the password-derived client cipher key (spec
// §6.4): SHA-256(password), truncated to 16 bytes (AES-128) for short
// passwords and kept at the full 32 bytes (AES-256) otherwise. Grounded
// on original_source/vnt/src/cipher/mod.rs's Cipher::new, which makes
// the identical len(password)<8 split.
func DeriveKey(password string) []byte {
	sum := sha256.Sum256([]byte(password))
	if len(password) < 8 {
		key := make([]byte, 16)
		copy(key, sum[:16])
		return key
	}
	key := make([]byte, 32)
	copy(key, sum[:])
	return key
}
