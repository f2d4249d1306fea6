package cipher

import (
	"bytes"
	"testing"

	"vntgo/internal/wire/header"
)

func buildFrame(payload []byte) []byte {
	buf := make([]byte, header.HeadLen+len(payload))
	h, err := header.View(buf)
	if err != nil {
		panic(err)
	}
	h.SetSource([4]byte{10, 0, 0, 2})
	h.SetDestination([4]byte{10, 0, 0, 3})
	h.SetProtocol(header.ProtoIPTurn)
	h.SetTransportProtocol(1)
	h.FirstSetTTL(15)
	copy(h.Payload(), payload)
	return buf
}

func roundTrip(t *testing.T, model Model, key []byte) {
	t.Helper()
	c, err := New(model, key, "test-token")
	if err != nil {
		t.Fatalf("New(%v): %v", model, err)
	}
	payload := []byte("hello overlay network, this is a plaintext packet body")
	frame := buildFrame(payload)
	h, err := header.View(frame)
	if err != nil {
		t.Fatal(err)
	}

	sealed, err := c.Seal(h)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	sh, err := header.View(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if !sh.IsEncrypted() {
		t.Fatalf("expected encrypted flag set after seal")
	}
	if bytes.Equal(sh.Payload()[:len(payload)], payload) {
		t.Fatalf("ciphertext must not equal plaintext")
	}

	n, err := c.Open(sh)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(sh.Payload()[:n], payload) {
		t.Fatalf("decrypted mismatch: got %q want %q", sh.Payload()[:n], payload)
	}
}

func TestRoundTrip_AllModels(t *testing.T) {
	cases := []struct {
		name  string
		model Model
		key   []byte
	}{
		{"aes-gcm-128", ModelAesGcm, make([]byte, 16)},
		{"aes-gcm-256", ModelAesGcm, make([]byte, 32)},
		{"chacha20-poly1305", ModelChaCha20Poly1305, make([]byte, 32)},
		{"aes-cbc", ModelAesCbc, make([]byte, 16)},
		{"sm4-cbc", ModelSm4Cbc, make([]byte, 16)},
		{"chacha20", ModelChaCha20, make([]byte, 32)},
		{"xor", ModelXor, []byte("somekey")},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			for i := range c.key {
				c.key[i] = byte(i*7 + 1)
			}
			roundTrip(t, c.model, c.key)
		})
	}
}

func TestNoneModel(t *testing.T) {
	c, err := New(ModelNone, nil, "tok")
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte("plain ipv4 packet")
	frame := buildFrame(payload)
	h, _ := header.View(frame)
	out, err := c.Seal(h)
	if err != nil {
		t.Fatal(err)
	}
	oh, _ := header.View(out)
	if oh.IsEncrypted() {
		t.Fatalf("none model must not set encrypted flag")
	}
	n, err := c.Open(oh)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(oh.Payload()[:n], payload) {
		t.Fatalf("none model mutated payload")
	}
}

func TestNoneModel_RejectsEncryptedFrame(t *testing.T) {
	c, _ := New(ModelNone, nil, "tok")
	frame := buildFrame([]byte("x"))
	h, _ := header.View(frame)
	h.SetEncrypted(true)
	if _, err := c.Open(h); err != ErrNoKey {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
}

func TestFingerMismatchRejected(t *testing.T) {
	c, err := New(ModelAesGcm, make([]byte, 16), "tok")
	if err != nil {
		t.Fatal(err)
	}
	frame := buildFrame([]byte("payload contents"))
	h, _ := header.View(frame)
	sealed, err := c.Seal(h)
	if err != nil {
		t.Fatal(err)
	}
	// Corrupt the finger tag at the very end of the frame.
	sealed[len(sealed)-1] ^= 0xFF
	sh, _ := header.View(sealed)
	if _, err := c.Open(sh); err != ErrFingerMismatch {
		t.Fatalf("expected ErrFingerMismatch, got %v", err)
	}
}

// TestSealIsNonDeterministic guards against nonce/IV reuse (spec §4.2): two
// packets with identical header fields and identical plaintext must not
// seal to the same ciphertext, since the random(4) tail field must vary
// the nonce/IV per packet even when HeadTag alone would repeat (e.g. two
// Pings between the same peer pair).
func TestSealIsNonDeterministic(t *testing.T) {
	cases := []struct {
		name  string
		model Model
		key   []byte
	}{
		{"aes-gcm", ModelAesGcm, make([]byte, 16)},
		{"chacha20-poly1305", ModelChaCha20Poly1305, make([]byte, 32)},
		{"aes-cbc", ModelAesCbc, make([]byte, 16)},
		{"chacha20", ModelChaCha20, make([]byte, 32)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			for i := range c.key {
				c.key[i] = byte(i*7 + 1)
			}
			cipher, err := New(c.model, c.key, "test-token")
			if err != nil {
				t.Fatalf("New(%v): %v", c.model, err)
			}
			payload := []byte("identical ping payload")

			h1, _ := header.View(buildFrame(payload))
			sealed1, err := cipher.Seal(h1)
			if err != nil {
				t.Fatalf("Seal 1: %v", err)
			}
			h2, _ := header.View(buildFrame(payload))
			sealed2, err := cipher.Seal(h2)
			if err != nil {
				t.Fatalf("Seal 2: %v", err)
			}
			if bytes.Equal(sealed1, sealed2) {
				t.Fatalf("two seals of an identical header+payload produced identical frames: nonce reuse")
			}
		})
	}
}

func TestHeadTagBindsCiphertextToRoute(t *testing.T) {
	c, err := New(ModelAesGcm, make([]byte, 16), "tok")
	if err != nil {
		t.Fatal(err)
	}
	frame := buildFrame([]byte("payload contents"))
	h, _ := header.View(frame)
	sealed, err := c.Seal(h)
	if err != nil {
		t.Fatal(err)
	}
	sh, _ := header.View(sealed)
	// Tamper with the destination address post-seal; Open must refuse since
	// the head tag (hashed into the finger and used as AAD) no longer matches.
	sh.SetDestination([4]byte{10, 0, 0, 99})
	if _, err := c.Open(sh); err == nil {
		t.Fatalf("expected Open to fail after destination tampering")
	}
}
