package capability

import (
	"sort"
	"testing"
)

func TestParseFullExtensionSet(t *testing.T) {
	s := Parse([]string{
		"mx.example at your service",
		"PIPELINING",
		"SIZE 31457280",
		"8BITMIME",
		"STARTTLS",
		"AUTH PLAIN LOGIN",
		"DSN",
		"ENHANCEDSTATUSCODES",
		"DELIVERBY 60",
		"ETRN",
		"X-UNSUPPORTED foo bar",
	})

	if !s.Pipelining() || !s.Size() || !s.EightBitMIME() || !s.StartTLS() ||
		!s.Auth() || !s.DSN() || !s.EnhancedStatusCodes() || !s.DeliverBy() || !s.ETRN() {
		t.Fatalf("expected every extension set, got %+v", s)
	}
	if s.SizeMax != 31457280 {
		t.Fatalf("SizeMax = %d", s.SizeMax)
	}
	if s.DeliverByMin != 60 {
		t.Fatalf("DeliverByMin = %d", s.DeliverByMin)
	}
	if len(s.AuthMechanisms) != 2 || s.AuthMechanisms[0] != "PLAIN" || s.AuthMechanisms[1] != "LOGIN" {
		t.Fatalf("AuthMechanisms = %v", s.AuthMechanisms)
	}
	if params, ok := s.Unknown["X-UNSUPPORTED"]; !ok || len(params) != 2 {
		t.Fatalf("Unknown[X-UNSUPPORTED] = %v, ok=%v", params, ok)
	}
}

func TestParseMinimalServer(t *testing.T) {
	s := Parse([]string{"mx.example"})
	if s.Pipelining() || s.Size() || s.Auth() {
		t.Fatalf("expected nothing advertised, got %+v", s)
	}
}

func TestParseSkipsBlankLines(t *testing.T) {
	s := Parse([]string{"mx.example", "", "PIPELINING"})
	if !s.Pipelining() {
		t.Fatalf("expected PIPELINING set")
	}
}

func TestMaskMissingReportsOnlyUnsatisfiedBits(t *testing.T) {
	caps := Parse([]string{"mx.example", "PIPELINING", "8BITMIME"})
	required := Size | EightBitMIME | DSN

	missing := required.Missing(caps)
	sort.Strings(missing)

	want := []string{"DSN", "SIZE"}
	if len(missing) != len(want) {
		t.Fatalf("missing = %v, want %v", missing, want)
	}
	for i := range want {
		if missing[i] != want[i] {
			t.Fatalf("missing = %v, want %v", missing, want)
		}
	}
}

func TestMaskMissingEmptyWhenAllSatisfied(t *testing.T) {
	caps := Parse([]string{"mx.example", "PIPELINING", "STARTTLS"})
	required := Pipelining | StartTLS
	if missing := required.Missing(caps); len(missing) != 0 {
		t.Fatalf("missing = %v, want none", missing)
	}
}

func TestMaskMissingZeroMaskAlwaysSatisfied(t *testing.T) {
	caps := Parse([]string{"mx.example"})
	if missing := Mask(0).Missing(caps); len(missing) != 0 {
		t.Fatalf("missing = %v, want none", missing)
	}
}
