package igmp

import (
	"net/netip"
	"testing"
	"time"
)

func TestJoinAddsMember(t *testing.T) {
	tbl := NewTable()
	group := netip.MustParseAddr("239.1.1.1")
	member := netip.MustParseAddr("10.0.0.9")
	tbl.Join(group, member)

	members := tbl.Members(group)
	if len(members) != 1 || members[0] != member {
		t.Fatalf("expected [%v], got %v", member, members)
	}
}

func TestLeaveRemovesMember(t *testing.T) {
	tbl := NewTable()
	group := netip.MustParseAddr("239.1.1.1")
	member := netip.MustParseAddr("10.0.0.9")
	tbl.Join(group, member)
	tbl.Leave(group, member)

	if members := tbl.Members(group); len(members) != 0 {
		t.Fatalf("expected no members after leave, got %v", members)
	}
}

func TestExpireDropsStaleMembership(t *testing.T) {
	tbl := NewTable()
	tbl.timeout = time.Millisecond
	group := netip.MustParseAddr("239.1.1.1")
	member := netip.MustParseAddr("10.0.0.9")
	tbl.Join(group, member)

	tbl.Expire(time.Now().Add(time.Hour))
	if members := tbl.Members(group); len(members) != 0 {
		t.Fatalf("expected the stale membership to have expired, got %v", members)
	}
}

func TestParseMembershipReportIsJoin(t *testing.T) {
	body := make([]byte, 8)
	body[0] = typeMembershipReportV2
	group := netip.MustParseAddr("239.1.1.1").As4()
	copy(body[4:8], group[:])

	got, isJoin, ok := ParseMembership(body)
	if !ok || !isJoin || got != netip.MustParseAddr("239.1.1.1") {
		t.Fatalf("unexpected parse result: %v %v %v", got, isJoin, ok)
	}
}

func TestParseMembershipLeaveIsNotJoin(t *testing.T) {
	body := make([]byte, 8)
	body[0] = typeLeaveGroup
	group := netip.MustParseAddr("239.1.1.1").As4()
	copy(body[4:8], group[:])

	_, isJoin, ok := ParseMembership(body)
	if !ok || isJoin {
		t.Fatal("expected a leave-group message to parse as not-a-join")
	}
}

func TestParseMembershipUnknownTypeIsNotOK(t *testing.T) {
	body := make([]byte, 8)
	body[0] = 0x22 // IGMPv3 membership report, intentionally unsupported
	if _, _, ok := ParseMembership(body); ok {
		t.Fatal("expected an unrecognized IGMP message type to be rejected")
	}
}
