package cipher

import (
	gocipher "crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"

	"vntgo/internal/wire/header"
)

// aeadCipher implements Cipher for both AES-GCM and ChaCha20-Poly1305: both
// expose a 12-byte-nonce crypto/cipher.AEAD, so one type serves both models
// (grounded on the teacher's DefaultAEADBuilder, which likewise builds a
// stdlib cipher.AEAD from raw key material rather than hand-rolling GCM).
type aeadCipher struct {
	model  Model
	aead   stdcipher.AEAD
	finger Finger
}

func newAESGCM(key []byte, finger Finger) (Cipher, error) {
	block, err := gocipher.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := stdcipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &aeadCipher{model: ModelAesGcm, aead: aead, finger: finger}, nil
}

func newChaCha20Poly1305(key []byte, finger Finger) (Cipher, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &aeadCipher{model: ModelChaCha20Poly1305, aead: aead, finger: finger}, nil
}

func (c *aeadCipher) Model() Model { return c.model }

func (c *aeadCipher) Overhead() int { return c.aead.Overhead() + RandomLen + FingerLen }

func (c *aeadCipher) Seal(h header.Header) ([]byte, error) {
	tag := h.HeadTag()
	var random [RandomLen]byte
	if _, err := rand.Read(random[:]); err != nil {
		return nil, err
	}
	nonceTag := xorNonceTag(tag, random)
	plaintext := h.Payload()
	sealed := c.aead.Seal(nil, nonceTag[:c.aead.NonceSize()], plaintext, tag[:])
	body := sealed[:len(sealed)-c.aead.Overhead()]
	aeadTag := sealed[len(sealed)-c.aead.Overhead():]
	finger := c.finger.Calculate(tag, body, aeadTag, random[:])

	out := make([]byte, header.HeadLen+len(sealed)+RandomLen+FingerLen)
	copy(out[:header.HeadLen], h.Raw()[:header.HeadLen])
	copy(out[header.HeadLen:], sealed)
	copy(out[header.HeadLen+len(sealed):], random[:])
	copy(out[header.HeadLen+len(sealed)+RandomLen:], finger[:])

	ov, err := header.View(out)
	if err != nil {
		return nil, err
	}
	ov.SetEncrypted(true)
	return out, nil
}

func (c *aeadCipher) Open(h header.Header) (int, error) {
	if !h.IsEncrypted() {
		return 0, ErrNotEncrypted
	}
	payload := h.Payload()
	if len(payload) < c.aead.Overhead()+RandomLen+FingerLen {
		return 0, ErrShortPayload
	}
	tag := h.HeadTag()
	bodyAndAEADTag := payload[:len(payload)-RandomLen-FingerLen]
	random := payload[len(payload)-RandomLen-FingerLen : len(payload)-FingerLen]
	wantFinger := payload[len(payload)-FingerLen:]
	body := bodyAndAEADTag[:len(bodyAndAEADTag)-c.aead.Overhead()]
	aeadTag := bodyAndAEADTag[len(bodyAndAEADTag)-c.aead.Overhead():]

	if err := c.finger.Check(tag, body, aeadTag, random, wantFinger); err != nil {
		return 0, err
	}

	var randomArr [RandomLen]byte
	copy(randomArr[:], random)
	nonceTag := xorNonceTag(tag, randomArr)

	plaintext, err := c.aead.Open(bodyAndAEADTag[:0], nonceTag[:c.aead.NonceSize()], bodyAndAEADTag, tag[:])
	if err != nil {
		return 0, err
	}
	copy(payload, plaintext)
	return len(plaintext), nil
}
