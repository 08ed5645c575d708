// Package odata builds OData query strings for RESO-style feed endpoints.
package odata

import (
	"strings"
	"time"
)

// Quote renders s as a single-quoted string literal, doubling embedded quotes.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Timestamp renders t as an unquoted UTC timestamp literal. Fractional
// seconds are kept so keyset comparisons match the stored cursor exactly.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Eq renders field eq 'value'.
func Eq(field, value string) string { return field + " eq " + Quote(value) }

// Gt renders field gt 'value'.
func Gt(field, value string) string { return field + " gt " + Quote(value) }

// Ge renders field ge 'value'.
func Ge(field, value string) string { return field + " ge " + Quote(value) }

// Lt renders field lt 'value'.
func Lt(field, value string) string { return field + " lt " + Quote(value) }

// TimeEq renders field eq T with a bare timestamp literal.
func TimeEq(field string, t time.Time) string { return field + " eq " + Timestamp(t) }

// TimeGt renders field gt T.
func TimeGt(field string, t time.Time) string { return field + " gt " + Timestamp(t) }

// TimeGe renders field ge T.
func TimeGe(field string, t time.Time) string { return field + " ge " + Timestamp(t) }

// And joins the non-empty expressions with "and". Compound operands are
// parenthesised; a single operand is returned as is.
func And(exprs ...string) string { return join("and", exprs) }

// Or joins the non-empty expressions with "or".
func Or(exprs ...string) string { return join("or", exprs) }

// In renders membership as an or-chain of eq comparisons.
func In(field string, values []string) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, Eq(field, v))
	}
	return Or(parts...)
}

func join(op string, exprs []string) string {
	var kept []string
	for _, e := range exprs {
		if e = strings.TrimSpace(e); e != "" {
			kept = append(kept, e)
		}
	}
	switch len(kept) {
	case 0:
		return ""
	case 1:
		return kept[0]
	}
	for i, e := range kept {
		if needsParens(e) {
			kept[i] = "(" + e + ")"
		}
	}
	return strings.Join(kept, " "+op+" ")
}

// needsParens reports whether e contains a top-level and/or outside quotes
// and parentheses.
func needsParens(e string) bool {
	depth := 0
	inQuote := false
	for i := 0; i < len(e); i++ {
		c := e[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
		case inQuote:
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == ' ' && depth == 0:
			rest := e[i+1:]
			if strings.HasPrefix(rest, "and ") || strings.HasPrefix(rest, "or ") {
				return true
			}
		}
	}
	return false
}
