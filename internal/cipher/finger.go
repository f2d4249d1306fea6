package cipher

import (
	"crypto/sha256"

	"vntgo/internal/wire/header"
)

// FingerLen is the size of the fast-path authentication tag appended after
// an encrypted payload's ciphertext (spec §4.1 "finger"): cheap enough to
// check before the full AEAD/CBC open, so garbage or wrong-key frames are
// dropped without paying for a full decrypt.
const FingerLen = 12

// Finger computes and checks the SHA-256-derived tag grounded on
// original_source/vnt/src/cipher/finger.rs: sha256(body || head_tag ||
// existing_tag || random || token)[20:32]. Unlike the original's 10-byte nonce_raw
// (source+dest+protocol+transport, zero-padded to 12), vntgo folds in the
// full 12-byte HeadTag (gateway bit and source_ttl included), since those
// fields are already part of this port's AAD scheme.
type Finger struct {
	token []byte
}

func NewFinger(token string) Finger {
	return Finger{token: []byte(token)}
}

// Calculate derives the finger for ciphertextBody (the encrypted payload
// without any trailing tag), tag (the AEAD/cipher-specific tag bytes, or
// nil for models without one), and random (the per-packet random field
// transmitted alongside it, see RandomLen), seeded by the frame's head tag.
func (f Finger) Calculate(headTag [header.HeadLen]byte, body, tag, random []byte) [FingerLen]byte {
	h := sha256.New()
	h.Write(body)
	h.Write(headTag[:])
	h.Write(tag)
	h.Write(random)
	h.Write(f.token)
	sum := h.Sum(nil)
	var out [FingerLen]byte
	copy(out[:], sum[len(sum)-FingerLen:])
	return out
}

// Check compares the finger embedded at the end of h's payload (the last
// FingerLen bytes) against the one this side computes from body/tag/random.
func (f Finger) Check(headTag [header.HeadLen]byte, body, tag, random, want []byte) error {
	if len(want) != FingerLen {
		return ErrShortPayload
	}
	got := f.Calculate(headTag, body, tag, random)
	for i := range got {
		if got[i] != want[i] {
			return ErrFingerMismatch
		}
	}
	return nil
}
