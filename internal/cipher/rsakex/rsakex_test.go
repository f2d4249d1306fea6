package rsakex

import (
	"bytes"
	"testing"

	"vntgo/internal/wire/header"
)

func testHeadTag() [header.HeadLen]byte {
	var tag [header.HeadLen]byte
	for i := range tag {
		tag[i] = byte(i + 1)
	}
	return tag
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	server, err := GenerateServerKey()
	if err != nil {
		t.Fatal(err)
	}
	der, err := server.PublicKeyDER()
	if err != nil {
		t.Fatal(err)
	}
	pub, err := ParsePublicKeyDER(der)
	if err != nil {
		t.Fatal(err)
	}

	fp, err := server.Fingerprint()
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyFingerprint(der, fp) {
		t.Fatalf("fingerprint should verify against its own DER")
	}
	if VerifyFingerprint(der, append([]byte(nil), fp[:len(fp)-1]...)) {
		t.Fatalf("truncated fingerprint must not verify")
	}

	key := bytes.Repeat([]byte{0x42}, 32)
	tag := testHeadTag()
	wrapped, err := WrapKey(pub, key, tag)
	if err != nil {
		t.Fatal(err)
	}

	got, err := server.Unwrap(wrapped, tag)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, key) {
		t.Fatalf("unwrapped key mismatch: got %x want %x", got, key)
	}
}

func TestUnwrap_WrongHeadTagRejected(t *testing.T) {
	server, err := GenerateServerKey()
	if err != nil {
		t.Fatal(err)
	}
	der, _ := server.PublicKeyDER()
	pub, _ := ParsePublicKeyDER(der)

	key := bytes.Repeat([]byte{0x11}, 32)
	tag := testHeadTag()
	wrapped, err := WrapKey(pub, key, tag)
	if err != nil {
		t.Fatal(err)
	}

	otherTag := tag
	otherTag[0] ^= 0xFF
	if _, err := server.Unwrap(wrapped, otherTag); err != ErrFingerMismatch {
		t.Fatalf("expected ErrFingerMismatch, got %v", err)
	}
}
