// Package ice parses wire-format ICE candidate attribute strings into
// structured parameters.
//
// The grammar is the fixed-field, whitespace-delimited form produced by
// browsers:
//
//	candidate:<foundation> <component> <protocol> <priority> <ip> <port> typ <type> [generation <n>] [ufrag <frag>]
//
// Parsing is a pure validation step. Callers drop candidates that fail to
// parse; a malformed candidate must never take down a session.
package ice

import (
	"fmt"
	"strconv"
	"strings"
)

const candidatePrefix = "candidate:"

// Candidate is the decomposed form of a candidate attribute string.
type Candidate struct {
	Foundation string
	Component  uint16
	Protocol   string
	Priority   uint32
	Address    string
	Port       uint16
	Type       string

	// Generation is -1 when the optional "generation" field is absent.
	Generation int

	// UsernameFragment is empty when the optional "ufrag" field is absent.
	UsernameFragment string
}

// ParseError describes why a candidate string was rejected.
type ParseError struct {
	Raw    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid ice candidate %q: %s", e.Raw, e.Reason)
}

func parseErr(raw, format string, args ...any) error {
	return &ParseError{Raw: raw, Reason: fmt.Sprintf(format, args...)}
}

// Parse decomposes raw into its candidate fields.
//
// Numeric fields must parse as non-negative integers and the protocol is
// normalized to lowercase. Any structural mismatch, including trailing
// tokens outside the grammar, returns a *ParseError.
func Parse(raw string) (Candidate, error) {
	fields := strings.Fields(raw)
	if len(fields) < 8 {
		return Candidate{}, parseErr(raw, "expected at least 8 fields, got %d", len(fields))
	}

	if !strings.HasPrefix(fields[0], candidatePrefix) {
		return Candidate{}, parseErr(raw, "missing %q prefix", candidatePrefix)
	}
	foundation := strings.TrimPrefix(fields[0], candidatePrefix)
	if foundation == "" {
		return Candidate{}, parseErr(raw, "empty foundation")
	}

	component, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return Candidate{}, parseErr(raw, "bad component %q", fields[1])
	}

	protocol := strings.ToLower(fields[2])
	if protocol == "" {
		return Candidate{}, parseErr(raw, "empty protocol")
	}

	priority, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return Candidate{}, parseErr(raw, "bad priority %q", fields[3])
	}

	address := fields[4]
	if address == "" {
		return Candidate{}, parseErr(raw, "empty address")
	}

	port, err := strconv.ParseUint(fields[5], 10, 16)
	if err != nil {
		return Candidate{}, parseErr(raw, "bad port %q", fields[5])
	}

	if fields[6] != "typ" {
		return Candidate{}, parseErr(raw, "expected %q, got %q", "typ", fields[6])
	}
	candType := fields[7]
	if candType == "" {
		return Candidate{}, parseErr(raw, "empty candidate type")
	}

	c := Candidate{
		Foundation: foundation,
		Component:  uint16(component),
		Protocol:   protocol,
		Priority:   uint32(priority),
		Address:    address,
		Port:       uint16(port),
		Type:       candType,
		Generation: -1,
	}

	rest := fields[8:]
	if len(rest) >= 2 && rest[0] == "generation" {
		gen, err := strconv.ParseUint(rest[1], 10, 31)
		if err != nil {
			return Candidate{}, parseErr(raw, "bad generation %q", rest[1])
		}
		c.Generation = int(gen)
		rest = rest[2:]
	}
	if len(rest) >= 2 && rest[0] == "ufrag" {
		if rest[1] == "" {
			return Candidate{}, parseErr(raw, "empty ufrag")
		}
		c.UsernameFragment = rest[1]
		rest = rest[2:]
	}
	if len(rest) != 0 {
		return Candidate{}, parseErr(raw, "unexpected trailing fields %v", rest)
	}

	return c, nil
}
