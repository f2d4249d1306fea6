// Package cipher implements the overlay's pluggable per-packet cipher
// models (spec §4.1, §4.2): AEAD (AES-GCM, ChaCha20-Poly1305), CBC
// (AES-CBC, SM4-CBC), a tagless ChaCha20 stream cipher, XOR obfuscation,
// and a no-op passthrough. Every model seals/opens against the 12-byte
// header.HeadTag as both nonce material and associated data, following
// the head-derived-AAD scheme the overlay protocol specifies.
package cipher

import (
	"errors"

	"vntgo/internal/wire/header"
)

// RandomLen is the per-packet random field every AEAD/CBC/stream model
// transmits in its tail (spec §3.2, §4.2): "the nonce is head_tag XOR
// random_4bytes_from_tail_padded". Without it, any two frames sharing the
// same (source, destination, protocol, transport_protocol, gateway bit,
// source_ttl) would derive the identical nonce/IV from HeadTag alone.
const RandomLen = 4

// xorNonceTag XORs random into the low 4 bytes of tag (zero-padded to
// HeadLen, "from tail" per spec §4.2) to derive the actual per-packet
// nonce/IV seed, leaving tag itself untouched for use as AAD/finger input.
func xorNonceTag(tag [header.HeadLen]byte, random [RandomLen]byte) [header.HeadLen]byte {
	out := tag
	for i := 0; i < RandomLen; i++ {
		out[header.HeadLen-RandomLen+i] ^= random[i]
	}
	return out
}

// Model names a configured cipher algorithm (spec §6.4 cipher_model).
type Model uint8

const (
	ModelNone Model = iota
	ModelAesGcm
	ModelChaCha20Poly1305
	ModelAesCbc
	ModelSm4Cbc
	ModelChaCha20
	ModelXor
)

func (m Model) String() string {
	switch m {
	case ModelNone:
		return "none"
	case ModelAesGcm:
		return "aes_gcm"
	case ModelChaCha20Poly1305:
		return "chacha20_poly1305"
	case ModelAesCbc:
		return "aes_cbc"
	case ModelSm4Cbc:
		return "sm4_cbc"
	case ModelChaCha20:
		return "chacha20"
	case ModelXor:
		return "xor"
	default:
		return "unknown"
	}
}

var (
	// ErrNoKey mirrors the wire-level proto.NoKey condition: a peer sent an
	// encrypted frame but this side never received/accepted a session key.
	ErrNoKey = errors.New("cipher: no key installed")
	// ErrFingerMismatch means the cheap SHA-256 tag check failed; the frame
	// is dropped before the more expensive AEAD/CBC open is attempted.
	ErrFingerMismatch = errors.New("cipher: finger mismatch")
	ErrShortPayload   = errors.New("cipher: payload too short for cipher model")
	ErrNotEncrypted   = errors.New("cipher: frame must be encrypted under the configured model")
	ErrUnknownModel   = errors.New("cipher: unknown model")
)

// Cipher seals and opens the payload of a framed packet in place. Seal/Open
// operate on the header view so implementations can derive nonce/AAD from
// HeadTag without the caller re-deriving it per model.
type Cipher interface {
	Model() Model
	// Seal encrypts h.Payload() and returns the full frame (header +
	// ciphertext + any tag/padding/random/finger) in a newly allocated
	// buffer whose encrypted flag is set; h itself is left unchanged. The
	// None model instead returns h.Raw() with the encrypted flag cleared.
	Seal(h header.Header) ([]byte, error)
	// Open decrypts h.Payload() in place and returns the plaintext length.
	// It does not rewrite the encrypted flag; callers inspect it beforehand.
	Open(h header.Header) (int, error)
	// Overhead is the number of bytes Seal appends beyond the plaintext
	// length: AEAD tag + RandomLen + FingerLen for AEAD models, RandomLen +
	// FingerLen for the ChaCha20 stream, FingerLen for XOR, a full block
	// (the most padding can add) + RandomLen + FingerLen for CBC, 0 for None.
	Overhead() int
}

// New builds a Cipher for model using key (its required length is
// model-specific) and token (used to derive the finger fast-path tag).
func New(model Model, key []byte, token string) (Cipher, error) {
	finger := NewFinger(token)
	switch model {
	case ModelNone:
		return noneCipher{}, nil
	case ModelAesGcm:
		return newAESGCM(key, finger)
	case ModelChaCha20Poly1305:
		return newChaCha20Poly1305(key, finger)
	case ModelAesCbc:
		return newCBC(key, finger, newAESBlock)
	case ModelSm4Cbc:
		return newCBC(key, finger, newSM4Block)
	case ModelChaCha20:
		return newChaCha20Stream(key, finger)
	case ModelXor:
		return newXOR(key, finger)
	default:
		return nil, ErrUnknownModel
	}
}
