package cipher

import (
	"crypto/rand"

	"golang.org/x/crypto/chacha20"

	"vntgo/internal/wire/header"
)

// chacha20Stream implements Cipher for the tagless ChaCha20 model (spec
// §4.1): no AEAD tag, only the finger fast-path check guards integrity.
// Lighter-weight than ChaCha20-Poly1305 for trusted/low-threat links.
type chacha20Stream struct {
	key    []byte
	finger Finger
}

func newChaCha20Stream(key []byte, finger Finger) (Cipher, error) {
	if _, err := chacha20.NewUnauthenticatedCipher(key, make([]byte, chacha20.NonceSize)); err != nil {
		return nil, err
	}
	return &chacha20Stream{key: key, finger: finger}, nil
}

func (c *chacha20Stream) Model() Model  { return ModelChaCha20 }
func (c *chacha20Stream) Overhead() int { return RandomLen + FingerLen }

func (c *chacha20Stream) nonce(nonceTag [header.HeadLen]byte) []byte {
	// chacha20.NonceSize is 12, matching HeadLen exactly.
	return nonceTag[:chacha20.NonceSize]
}

func (c *chacha20Stream) Seal(h header.Header) ([]byte, error) {
	tag := h.HeadTag()
	var random [RandomLen]byte
	if _, err := rand.Read(random[:]); err != nil {
		return nil, err
	}
	nonceTag := xorNonceTag(tag, random)
	stream, err := chacha20.NewUnauthenticatedCipher(c.key, c.nonce(nonceTag))
	if err != nil {
		return nil, err
	}
	plaintext := h.Payload()
	ciphertext := make([]byte, len(plaintext))
	stream.XORKeyStream(ciphertext, plaintext)
	finger := c.finger.Calculate(tag, ciphertext, nil, random[:])

	out := make([]byte, header.HeadLen+len(ciphertext)+RandomLen+FingerLen)
	copy(out[:header.HeadLen], h.Raw()[:header.HeadLen])
	copy(out[header.HeadLen:], ciphertext)
	copy(out[header.HeadLen+len(ciphertext):], random[:])
	copy(out[header.HeadLen+len(ciphertext)+RandomLen:], finger[:])

	ov, err := header.View(out)
	if err != nil {
		return nil, err
	}
	ov.SetEncrypted(true)
	return out, nil
}

func (c *chacha20Stream) Open(h header.Header) (int, error) {
	if !h.IsEncrypted() {
		return 0, ErrNotEncrypted
	}
	payload := h.Payload()
	if len(payload) < RandomLen+FingerLen {
		return 0, ErrShortPayload
	}
	tag := h.HeadTag()
	ciphertext := payload[:len(payload)-RandomLen-FingerLen]
	random := payload[len(payload)-RandomLen-FingerLen : len(payload)-FingerLen]
	wantFinger := payload[len(payload)-FingerLen:]
	if err := c.finger.Check(tag, ciphertext, nil, random, wantFinger); err != nil {
		return 0, err
	}
	var randomArr [RandomLen]byte
	copy(randomArr[:], random)
	nonceTag := xorNonceTag(tag, randomArr)
	stream, err := chacha20.NewUnauthenticatedCipher(c.key, c.nonce(nonceTag))
	if err != nil {
		return 0, err
	}
	plaintext := make([]byte, len(ciphertext))
	stream.XORKeyStream(plaintext, ciphertext)
	copy(payload, plaintext)
	return len(plaintext), nil
}
