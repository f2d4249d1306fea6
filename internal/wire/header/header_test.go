package header

import (
	"bytes"
	"testing"
)

func newBuf(n int) []byte {
	return make([]byte, n)
}

func TestView_ShortBuffer(t *testing.T) {
	_, err := View(newBuf(HeadLen - 1))
	if err != ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestView_ExactlyHeaderOnly_OK(t *testing.T) {
	h, err := View(newBuf(HeadLen))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.Payload()) != 0 {
		t.Fatalf("expected empty payload")
	}
}

func TestView_OverlongBuffer(t *testing.T) {
	_, err := View(newBuf(MaxTotalLen + 1))
	if err != ErrOverlongBuffer {
		t.Fatalf("expected ErrOverlongBuffer, got %v", err)
	}
}

func TestFlagsRoundTrip(t *testing.T) {
	h, err := View(newBuf(HeadLen + 4))
	if err != nil {
		t.Fatal(err)
	}
	h.SetEncrypted(true)
	h.SetGateway(true)
	h.SetVersion(V1)
	if !h.IsEncrypted() || !h.IsGateway() || h.Version() != V1 {
		t.Fatalf("flags did not round-trip: enc=%v gw=%v ver=%v", h.IsEncrypted(), h.IsGateway(), h.Version())
	}
	h.SetEncrypted(false)
	if h.IsEncrypted() {
		t.Fatalf("expected encrypted flag cleared")
	}
	if !h.IsGateway() {
		t.Fatalf("clearing encrypted flag must not disturb gateway flag")
	}
}

func TestTTLFields(t *testing.T) {
	h, err := View(newBuf(HeadLen))
	if err != nil {
		t.Fatal(err)
	}
	h.FirstSetTTL(15)
	if h.TTL() != 15 || h.SourceTTL() != 15 {
		t.Fatalf("FirstSetTTL mismatch: ttl=%d source_ttl=%d", h.TTL(), h.SourceTTL())
	}
	h.DecrementTTL()
	if h.TTL() != 14 || h.SourceTTL() != 15 {
		t.Fatalf("DecrementTTL mismatch: ttl=%d source_ttl=%d", h.TTL(), h.SourceTTL())
	}
}

func TestSourceDestinationRoundTrip(t *testing.T) {
	h, err := View(newBuf(HeadLen))
	if err != nil {
		t.Fatal(err)
	}
	src := [4]byte{10, 0, 0, 2}
	dst := [4]byte{10, 0, 0, 3}
	h.SetSource(src)
	h.SetDestination(dst)
	if h.Source() != src || h.Destination() != dst {
		t.Fatalf("source/destination did not round-trip")
	}
}

func TestHeadTagStable(t *testing.T) {
	h, err := View(newBuf(HeadLen + 10))
	if err != nil {
		t.Fatal(err)
	}
	h.SetSource([4]byte{1, 2, 3, 4})
	h.SetDestination([4]byte{5, 6, 7, 8})
	h.SetProtocol(ProtoControl)
	h.SetTransportProtocol(9)
	h.SetGateway(true)
	h.FirstSetTTL(7)

	tag1 := h.HeadTag()
	// Mutating payload bytes must not affect the head tag.
	copy(h.Payload(), []byte{0xFF, 0xFF, 0xFF, 0xFF})
	tag2 := h.HeadTag()
	if tag1 != tag2 {
		t.Fatalf("head tag changed after payload mutation")
	}
	if !bytes.Equal(tag1[0:4], []byte{1, 2, 3, 4}) || !bytes.Equal(tag1[4:8], []byte{5, 6, 7, 8}) {
		t.Fatalf("head tag did not capture source/destination")
	}
	if tag1[8] != byte(ProtoControl) || tag1[9] != 9 || tag1[10] != 1 || tag1[11] != 7 {
		t.Fatalf("head tag did not capture protocol/transport/gateway/source_ttl: %v", tag1)
	}
}
