// Package capability implements the advertised-extension set (C5): parsing
// the EHLO multi-line response and gating optional protocol behavior on it.
package capability

import "strings"

// Mask is a bitset of extensions the application has required via its
// typed setters (spec §3 invariant ii: monotonic, only grows).
type Mask uint16

const (
	Pipelining Mask = 1 << iota
	Size
	EightBitMIME
	StartTLS
	Auth
	DSN
	EnhancedStatusCodes
	DeliverBy
	ETRN
)

var maskNames = map[Mask]string{
	Pipelining:          "PIPELINING",
	Size:                "SIZE",
	EightBitMIME:        "8BITMIME",
	StartTLS:            "STARTTLS",
	Auth:                "AUTH",
	DSN:                 "DSN",
	EnhancedStatusCodes: "ENHANCEDSTATUSCODES",
	DeliverBy:           "DELIVERBY",
	ETRN:                "ETRN",
}

// Missing returns the names of extensions set in m but not advertised in s.
func (m Mask) Missing(s Set) []string {
	var out []string
	for bit, name := range maskNames {
		if m&bit == 0 {
			continue
		}
		if !s.Has(bit) {
			out = append(out, name)
		}
	}
	return out
}

// Set records which extensions a server advertised in its EHLO response,
// and the parameters thereof. The zero Set advertises nothing.
type Set struct {
	bits Mask

	SizeMax        int64
	AuthMechanisms []string
	DeliverByMin   int

	// Unknown preserves, verbatim, the keyword and parameters of any
	// extension line this parser does not recognize (spec §4.5).
	Unknown map[string][]string
}

// Has reports whether the given bit (one of the Mask constants) is set.
func (s Set) Has(bit Mask) bool { return s.bits&bit != 0 }

func (s Set) Pipelining() bool          { return s.Has(Pipelining) }
func (s Set) Size() bool                { return s.Has(Size) }
func (s Set) EightBitMIME() bool        { return s.Has(EightBitMIME) }
func (s Set) StartTLS() bool            { return s.Has(StartTLS) }
func (s Set) Auth() bool                { return s.Has(Auth) }
func (s Set) DSN() bool                 { return s.Has(DSN) }
func (s Set) EnhancedStatusCodes() bool { return s.Has(EnhancedStatusCodes) }
func (s Set) DeliverBy() bool           { return s.Has(DeliverBy) }
func (s Set) ETRN() bool                { return s.Has(ETRN) }

// Parse reads the EHLO response lines (the reply's text lines, greeting
// line included at index 0) and builds the Set they advertise. Unrecognized
// keywords are recorded in Unknown rather than rejected, per §4.5.
func Parse(lines []string) Set {
	var s Set
	s.Unknown = map[string][]string{}
	for i, line := range lines {
		if i == 0 {
			// The first line is the greeting text (domain + free text),
			// never an extension.
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		keyword := strings.ToUpper(fields[0])
		params := fields[1:]
		switch keyword {
		case "PIPELINING":
			s.bits |= Pipelining
		case "8BITMIME":
			s.bits |= EightBitMIME
		case "STARTTLS":
			s.bits |= StartTLS
		case "ENHANCEDSTATUSCODES":
			s.bits |= EnhancedStatusCodes
		case "ETRN":
			s.bits |= ETRN
		case "SIZE":
			s.bits |= Size
			if len(params) > 0 {
				s.SizeMax = parseInt64(params[0])
			}
		case "AUTH":
			s.bits |= Auth
			s.AuthMechanisms = append(s.AuthMechanisms, params...)
		case "DSN":
			s.bits |= DSN
		case "DELIVERBY":
			s.bits |= DeliverBy
			if len(params) > 0 {
				s.DeliverByMin = int(parseInt64(params[0]))
			}
		default:
			s.Unknown[keyword] = params
		}
	}
	return s
}

func parseInt64(s string) int64 {
	var n int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return n
		}
		n = n*10 + int64(r-'0')
	}
	return n
}
