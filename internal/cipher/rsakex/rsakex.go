// Package rsakex implements the overlay's optional server-key bootstrap
// (spec §4.2): the registrar advertises an RSA public key (and its
// fingerprint) over HandshakeResponse, and a client that opts in wraps a
// freshly generated symmetric key under that public key and sends it back
// as a SecretHandshakeRequest. Grounded on
// original_source/vnt/src/cipher/rsa_cipher.rs's RsaCipher, which wraps a
// random-padded secret body (with its own SHA-256 finger tag) under
// RSA-PKCS1v15 before handing it to the registrar.
package rsakex

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"

	"vntgo/internal/wire/header"
)

// KeyBits is the RSA modulus size used for server key generation. 2048
// bits leaves ample PKCS1v15 payload room (245 bytes) for a 32-byte
// symmetric key plus padding and finger tag.
const KeyBits = 2048

const (
	randomPadLen  = 8
	wrapFingerLen = 16
)

var (
	ErrFingerMismatch = errors.New("rsakex: finger mismatch")
	ErrTooShort       = errors.New("rsakex: wrapped payload too short")
)

// ServerKey holds the registrar's RSA keypair used for the optional
// per-connection symmetric key bootstrap.
type ServerKey struct {
	priv *rsa.PrivateKey
}

// GenerateServerKey creates a fresh RSA keypair (spec: generated once per
// registrar process lifetime, not per connection).
func GenerateServerKey() (*ServerKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, err
	}
	return &ServerKey{priv: priv}, nil
}

// PublicKeyDER returns the DER-encoded SubjectPublicKeyInfo carried in
// HandshakeResponse.RSAPublicKeyDER.
func (s *ServerKey) PublicKeyDER() ([]byte, error) {
	return x509.MarshalPKIXPublicKey(&s.priv.PublicKey)
}

// Fingerprint returns sha256(DER) for HandshakeResponse.Fingerprint, letting
// a client that already trusts this fingerprint (e.g. pinned out of band)
// skip verifying the full key.
func (s *ServerKey) Fingerprint() ([]byte, error) {
	der, err := s.PublicKeyDER()
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(der)
	return sum[:], nil
}

// Unwrap decrypts a SecretHandshakeRequest.WrappedKey payload produced by
// WrapKey, verifying its embedded finger before returning the symmetric key.
func (s *ServerKey) Unwrap(wrapped []byte, headTag [header.HeadLen]byte) ([]byte, error) {
	plaintext, err := rsa.DecryptPKCS1v15(rand.Reader, s.priv, wrapped)
	if err != nil {
		return nil, err
	}
	return unwrapBody(plaintext, headTag)
}

// ParsePublicKeyDER parses a HandshakeResponse.RSAPublicKeyDER payload, as
// done client-side after verifying its fingerprint.
func ParsePublicKeyDER(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("rsakex: DER key is not an RSA public key")
	}
	return rsaPub, nil
}

// VerifyFingerprint reports whether der's SHA-256 digest matches want, for
// a client validating the registrar's advertised key before trusting it.
func VerifyFingerprint(der, want []byte) bool {
	sum := sha256.Sum256(der)
	if len(want) != len(sum) {
		return false
	}
	for i := range sum {
		if sum[i] != want[i] {
			return false
		}
	}
	return true
}

// WrapKey encrypts key (the client's freshly generated symmetric session
// key) under pub, binding it to headTag (the HandshakeRequest/
// SecretHandshakeRequest frame's head tag) via an embedded finger so a
// tampered ciphertext is rejected after decrypt without needing a
// signature.
func WrapKey(pub *rsa.PublicKey, key []byte, headTag [header.HeadLen]byte) ([]byte, error) {
	pad := make([]byte, randomPadLen)
	if _, err := rand.Read(pad); err != nil {
		return nil, err
	}
	body := append(append([]byte(nil), pad...), key...)
	finger := wrapFinger(body, headTag)
	plaintext := append(body, finger[:]...)
	return rsa.EncryptPKCS1v15(rand.Reader, pub, plaintext)
}

func unwrapBody(plaintext []byte, headTag [header.HeadLen]byte) ([]byte, error) {
	if len(plaintext) < randomPadLen+wrapFingerLen {
		return nil, ErrTooShort
	}
	body := plaintext[:len(plaintext)-wrapFingerLen]
	wantFinger := plaintext[len(plaintext)-wrapFingerLen:]
	gotFinger := wrapFinger(body, headTag)
	for i := range gotFinger {
		if gotFinger[i] != wantFinger[i] {
			return nil, ErrFingerMismatch
		}
	}
	return body[randomPadLen:], nil
}

func wrapFinger(body []byte, headTag [header.HeadLen]byte) [wrapFingerLen]byte {
	h := sha256.New()
	h.Write(body)
	h.Write(headTag[:])
	sum := h.Sum(nil)
	var out [wrapFingerLen]byte
	copy(out[:], sum[16:32])
	return out
}
