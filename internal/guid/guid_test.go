package guid

import "testing"

func TestServerGUIDRoundTrip(t *testing.T) {
	g, err := NewServer()
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	s := g.String()
	parsed, err := Parse(s, TypeServer)
	if err != nil {
		t.Fatalf("Parse(%q): %v", s, err)
	}
	if parsed != g {
		t.Fatalf("round trip mismatch: got %v want %v", parsed, g)
	}
}

func TestNextTagSequenceAndChecksum(t *testing.T) {
	server, err := NewServer()
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	g1, hi, lo := NextTag(server, 0, 0)
	if hi != 0 || lo != 1 {
		t.Fatalf("NextTag counters = (%d,%d), want (0,1)", hi, lo)
	}
	if !Valid(g1, TypeTag) {
		t.Fatalf("g1 checksum invalid")
	}
	if !IsLocalTag(g1, server) {
		t.Fatalf("g1 should be local to its minting server")
	}

	g2, hi2, lo2 := NextTag(server, hi, lo)
	if hi2 != 0 || lo2 != 2 {
		t.Fatalf("NextTag counters = (%d,%d), want (0,2)", hi2, lo2)
	}
	if g1 == g2 {
		t.Fatalf("successive tag guids must differ")
	}
}

func TestNextTagLowOverflowCarries(t *testing.T) {
	_, hi, lo := NextTag(GUID{}, 5, 0xFFFFFFFF)
	if hi != 6 || lo != 0 {
		t.Fatalf("overflow carry = (%d,%d), want (6,0)", hi, lo)
	}
}

func TestParseRejectsBadChecksum(t *testing.T) {
	server, _ := NewServer()
	s := server.String()
	// Flip a character in the first group to corrupt the checksum.
	corrupted := []byte(s)
	if corrupted[0] == 'a' {
		corrupted[0] = 'b'
	} else {
		corrupted[0] = 'a'
	}
	if _, err := Parse(string(corrupted), TypeServer); err == nil {
		t.Fatalf("expected checksum error for corrupted guid")
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"abcdef",
		"abcdef-abcdef-abcdef",
		"abcdef-abcdef-abcdef-ab",
		"abcdef-abcdef-abcdef-!!!!!!",
	}
	for _, c := range cases {
		if _, err := Parse(c, TypeServer); err == nil {
			t.Errorf("Parse(%q) should have failed", c)
		}
	}
}

func TestIsLocalTagFalseForOtherServer(t *testing.T) {
	s1, _ := NewServer()
	s2, _ := NewServer()
	tag, _, _ := NextTag(s1, 0, 0)
	if IsLocalTag(tag, s2) {
		t.Fatalf("tag minted by s1 should not be local to s2")
	}
}
