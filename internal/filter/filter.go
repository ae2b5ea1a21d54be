// Package filter implements the LDAPv3 predicate evaluation a SrvRqst
// carries (RFC 2608 §8.1 uses RFC 2254 filter syntax).
//
// Parsing itself is delegated to github.com/go-ldap/ldap/v3, the same
// filter compiler the wider ecosystem's LDAP servers use (see
// other_examples' ldap-sync tool). This package owns only the evaluation
// half of the contract: walking the compiled github.com/go-asn1-ber/asn1-ber
// packet tree against an internal/attr.Attributes value. An
// unparseable filter is returned as a plain error; callers
// (internal/handler) convert that into the wire INVALID_REGISTRATION
// code.
package filter

import (
	"fmt"
	"strconv"
	"strings"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"

	"github.com/joshuafuller/slpda/internal/attr"
)

// Filter is a compiled, evaluatable LDAPv3 filter expression.
type Filter struct {
	packet *ber.Packet
}

// Parse compiles an LDAPv3 filter string such as
// "(&(ppm>=5)(color=true))". An empty string is accepted and produces
// a Filter that matches everything.
func Parse(expr string) (*Filter, error) {
	if strings.TrimSpace(expr) == "" {
		return &Filter{}, nil
	}
	packet, err := ldap.CompileFilter(expr)
	if err != nil {
		return nil, fmt.Errorf("filter: compile %q: %w", expr, err)
	}
	return &Filter{packet: packet}, nil
}

// Match reports whether attrs satisfies the filter.
func (f *Filter) Match(attrs *attr.Attributes) bool {
	if f == nil || f.packet == nil {
		return true
	}
	return evalNode(f.packet, attrs)
}

func evalNode(node *ber.Packet, attrs *attr.Attributes) bool {
	switch ldap.FilterMap[uint64(node.Tag)] {
	case "And":
		for _, child := range node.Children {
			if !evalNode(child, attrs) {
				return false
			}
		}
		return true
	case "Or":
		for _, child := range node.Children {
			if evalNode(child, attrs) {
				return true
			}
		}
		return false
	case "Not":
		if len(node.Children) != 1 {
			return false
		}
		return !evalNode(node.Children[0], attrs)
	case "Present":
		tag, _ := node.Value.(string)
		return attrs.Has(tag)
	case "Equality Match":
		return evalEquality(node, attrs)
	case "Substrings":
		return evalSubstrings(node, attrs)
	case "Greater Or Equal":
		return evalOrdered(node, attrs, func(cmp int) bool { return cmp >= 0 })
	case "Less Or Equal":
		return evalOrdered(node, attrs, func(cmp int) bool { return cmp <= 0 })
	default:
		// Approx Match / Extensible Match have no defined semantics in
		// SLP; treat as non-matching rather than panic on a peer that
		// sends one.
		return false
	}
}

func attributeAndValue(node *ber.Packet) (string, string, bool) {
	if len(node.Children) != 2 {
		return "", "", false
	}
	tag, ok1 := node.Children[0].Value.(string)
	val, ok2 := node.Children[1].Value.(string)
	return tag, val, ok1 && ok2
}

func evalEquality(node *ber.Packet, attrs *attr.Attributes) bool {
	tag, want, ok := attributeAndValue(node)
	if !ok {
		return false
	}
	for _, v := range attrs.Values(tag) {
		if valueEquals(v, want) {
			return true
		}
	}
	return false
}

func valueEquals(v attr.Value, want string) bool {
	switch v.Type {
	case attr.TypeInteger:
		n, err := strconv.ParseInt(want, 10, 64)
		return err == nil && v.Int == n
	case attr.TypeBoolean:
		b, err := strconv.ParseBool(want)
		return err == nil && v.Bool == b
	default:
		return strings.EqualFold(v.String(), want)
	}
}

func evalOrdered(node *ber.Packet, attrs *attr.Attributes, ok func(int) bool) bool {
	tag, want, good := attributeAndValue(node)
	if !good {
		return false
	}
	n, err := strconv.ParseInt(want, 10, 64)
	if err != nil {
		// Ordered comparison is only defined for integer values.
		return false
	}
	for _, v := range attrs.Values(tag) {
		if v.Type != attr.TypeInteger {
			continue
		}
		if ok(cmpInt64(v.Int, n)) {
			return true
		}
	}
	return false
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// evalSubstrings handles "(tag=val*ue)"-shaped filters: go-ldap
// compiles any equality filter containing an unescaped '*' into a
// Substrings node with initial/any/final components (RFC 4515 §3).
// Only string-typed and opaque values are matched (opaque ones by their
// escaped text form); integer, boolean and flag values never match.
func evalSubstrings(node *ber.Packet, attrs *attr.Attributes) bool {
	if len(node.Children) != 2 {
		return false
	}
	tag, ok := node.Children[0].Value.(string)
	if !ok {
		return false
	}
	var initial, final string
	var anys []string
	for _, part := range node.Children[1].Children {
		s, _ := part.Value.(string)
		switch part.Tag {
		case ldap.FilterSubstringsInitial:
			initial = s
		case ldap.FilterSubstringsAny:
			anys = append(anys, s)
		case ldap.FilterSubstringsFinal:
			final = s
		}
	}
	for _, v := range attrs.Values(tag) {
		if v.Type != attr.TypeString && v.Type != attr.TypeOpaque {
			continue
		}
		if matchSubstring(strings.ToLower(v.String()), strings.ToLower(initial), anyLower(anys), strings.ToLower(final)) {
			return true
		}
	}
	return false
}

func anyLower(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func matchSubstring(value, initial string, anys []string, final string) bool {
	rest := value
	if initial != "" {
		if !strings.HasPrefix(rest, initial) {
			return false
		}
		rest = rest[len(initial):]
	}
	for _, a := range anys {
		idx := strings.Index(rest, a)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(a):]
	}
	if final != "" {
		return strings.HasSuffix(rest, final)
	}
	return true
}
