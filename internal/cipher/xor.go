package cipher

import "vntgo/internal/wire/header"

// xorCipher implements Cipher for the XOR obfuscation model (spec §4.1):
// not a security boundary, just enough to defeat naive plaintext scraping
// on trusted LANs. The finger tag is still appended so garbage frames are
// rejected cheaply.
type xorCipher struct {
	key    []byte
	finger Finger
}

func newXOR(key []byte, finger Finger) (Cipher, error) {
	if len(key) == 0 {
		return nil, ErrShortPayload
	}
	return &xorCipher{key: key, finger: finger}, nil
}

func (c *xorCipher) Model() Model  { return ModelXor }
func (c *xorCipher) Overhead() int { return FingerLen }

func (c *xorCipher) crypt(dst, src []byte) {
	for i := range src {
		dst[i] = src[i] ^ c.key[i%len(c.key)]
	}
}

func (c *xorCipher) Seal(h header.Header) ([]byte, error) {
	tag := h.HeadTag()
	plaintext := h.Payload()
	ciphertext := make([]byte, len(plaintext))
	c.crypt(ciphertext, plaintext)
	finger := c.finger.Calculate(tag, ciphertext, nil, nil)

	out := make([]byte, header.HeadLen+len(ciphertext)+FingerLen)
	copy(out[:header.HeadLen], h.Raw()[:header.HeadLen])
	copy(out[header.HeadLen:], ciphertext)
	copy(out[header.HeadLen+len(ciphertext):], finger[:])

	ov, err := header.View(out)
	if err != nil {
		return nil, err
	}
	ov.SetEncrypted(true)
	return out, nil
}

func (c *xorCipher) Open(h header.Header) (int, error) {
	if !h.IsEncrypted() {
		return 0, ErrNotEncrypted
	}
	payload := h.Payload()
	if len(payload) < FingerLen {
		return 0, ErrShortPayload
	}
	tag := h.HeadTag()
	ciphertext := payload[:len(payload)-FingerLen]
	wantFinger := payload[len(payload)-FingerLen:]
	if err := c.finger.Check(tag, ciphertext, nil, nil, wantFinger); err != nil {
		return 0, err
	}
	plaintext := make([]byte, len(ciphertext))
	c.crypt(plaintext, ciphertext)
	copy(payload, plaintext)
	return len(plaintext), nil
}
