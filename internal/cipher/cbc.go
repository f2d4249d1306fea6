package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"

	"vntgo/internal/cipher/sm4"
	"vntgo/internal/wire/header"
)

func newAESBlock(key []byte) (stdcipher.Block, error) { return aes.NewCipher(key) }
func newSM4Block(key []byte) (stdcipher.Block, error) { return sm4.NewCipher(key) }

// cbcCipher implements Cipher for AES-CBC and SM4-CBC (spec §4.1). CBC has
// no per-call nonce input, so the IV is derived from the frame's HeadTag
// XORed with a fresh per-packet random(4) field (sha256(head_tag XOR
// random)[:blockSize]) rather than transmitted as a separate IV, keeping
// the wire shape the same across every model: ciphertext, random(4),
// finger tag.
type cbcCipher struct {
	model     Model
	block     stdcipher.Block
	blockSize int
	finger    Finger
}

func newCBC(key []byte, finger Finger, newBlock func([]byte) (stdcipher.Block, error)) (Cipher, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	return &cbcCipher{
		model:     modelForBlock(block),
		block:     block,
		blockSize: block.BlockSize(),
		finger:    finger,
	}, nil
}

func modelForBlock(block stdcipher.Block) Model {
	if block.BlockSize() == 16 {
		return ModelAesCbc
	}
	return ModelSm4Cbc
}

func (c *cbcCipher) Model() Model { return c.model }

// Overhead is an upper bound; CBC padding adds 1..blockSize bytes depending
// on plaintext length, and Overhead counts the full blockSize, so a sealed
// frame can be up to blockSize-1 bytes shorter than plaintext+Overhead().
func (c *cbcCipher) Overhead() int { return c.blockSize + RandomLen + FingerLen }

func (c *cbcCipher) iv(nonceTag [header.HeadLen]byte) []byte {
	sum := sha256.Sum256(nonceTag[:])
	return sum[:c.blockSize]
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrShortPayload
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, ErrShortPayload
	}
	return data[:len(data)-padLen], nil
}

func (c *cbcCipher) Seal(h header.Header) ([]byte, error) {
	tag := h.HeadTag()
	var random [RandomLen]byte
	if _, err := rand.Read(random[:]); err != nil {
		return nil, err
	}
	nonceTag := xorNonceTag(tag, random)
	padded := pkcs7Pad(h.Payload(), c.blockSize)
	ciphertext := make([]byte, len(padded))
	stdcipher.NewCBCEncrypter(c.block, c.iv(nonceTag)).CryptBlocks(ciphertext, padded)
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

func (c *cbcCipher) Open(h header.Header) (int, error) {
	if !h.IsEncrypted() {
		return 0, ErrNotEncrypted
	}
	payload := h.Payload()
	if len(payload) < c.blockSize+RandomLen+FingerLen {
		return 0, ErrShortPayload
	}
	tag := h.HeadTag()
	ciphertext := payload[:len(payload)-RandomLen-FingerLen]
	random := payload[len(payload)-RandomLen-FingerLen : len(payload)-FingerLen]
	wantFinger := payload[len(payload)-FingerLen:]
	if err := c.finger.Check(tag, ciphertext, nil, random, wantFinger); err != nil {
		return 0, err
	}
	if len(ciphertext)%c.blockSize != 0 {
		return 0, ErrShortPayload
	}
	var randomArr [RandomLen]byte
	copy(randomArr[:], random)
	nonceTag := xorNonceTag(tag, randomArr)
	padded := make([]byte, len(ciphertext))
	stdcipher.NewCBCDecrypter(c.block, c.iv(nonceTag)).CryptBlocks(padded, ciphertext)
	plaintext, err := pkcs7Unpad(padded, c.blockSize)
	if err != nil {
		return 0, err
	}
	copy(payload, plaintext)
	return len(plaintext), nil
}
