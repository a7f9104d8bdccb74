// Package routes classifies request paths for the edge gate.
//
// Classification is a total function over a closed pattern table. Rules are
// checked in precedence order admin > protected > public, and a path that
// matches none of them falls through to Default. Prefix rules match whole
// path segments, so "/admin" covers "/admin" and "/admin/users" but not
// "/administrator".
package routes

import (
	"path"
	"strings"
)

// Class is the access class of a request path.
type Class int

const (
	Public Class = iota
	Protected
	Admin
)

func (c Class) String() string {
	switch c {
	case Public:
		return "public"
	case Protected:
		return "protected"
	case Admin:
		return "admin"
	default:
		return "unknown"
	}
}

// RequiresSession reports whether the class needs an authenticated session.
// Admin implies protected.
func (c Class) RequiresSession() bool { return c == Protected || c == Admin }

// Match selects how a Rule's pattern is compared against a path.
type Match int

const (
	Exact Match = iota
	Prefix
)

// Rule is one row of the pattern table.
type Rule struct {
	Pattern string
	Match   Match
	Class   Class
}

func (r Rule) matches(path string) bool {
	switch r.Match {
	case Exact:
		return path == r.Pattern
	case Prefix:
		p := strings.TrimSuffix(r.Pattern, "/")
		if p == "" {
			return true
		}
		return path == p || strings.HasPrefix(path, p+"/")
	default:
		return false
	}
}

// Table is an ordered-by-precedence set of rules plus the class assigned to
// unmatched paths.
type Table struct {
	rules   []Rule
	Default Class
}

// DefaultTable is the route table served by insightdash. Unmatched paths are
// Protected: anything not explicitly published requires a session.
var DefaultTable = NewTable(Protected,
	Rule{Pattern: "/admin", Match: Prefix, Class: Admin},
	Rule{Pattern: "/api/admin", Match: Prefix, Class: Admin},

	Rule{Pattern: "/dashboard", Match: Prefix, Class: Protected},
	Rule{Pattern: "/analytics", Match: Prefix, Class: Protected},
	Rule{Pattern: "/reports", Match: Prefix, Class: Protected},
	Rule{Pattern: "/settings", Match: Prefix, Class: Protected},
	Rule{Pattern: "/billing", Match: Prefix, Class: Protected},

	Rule{Pattern: "/", Match: Exact, Class: Public},
	Rule{Pattern: "/auth", Match: Prefix, Class: Public},
	Rule{Pattern: "/pricing", Match: Prefix, Class: Public},
	Rule{Pattern: "/api/auth", Match: Prefix, Class: Public},
	Rule{Pattern: "/api/webhooks", Match: Prefix, Class: Public},
	Rule{Pattern: "/assets", Match: Prefix, Class: Public},
	Rule{Pattern: "/healthz", Match: Exact, Class: Public},
	Rule{Pattern: "/readyz", Match: Exact, Class: Public},
	Rule{Pattern: "/metrics", Match: Exact, Class: Public},
)

// NewTable builds a table. Rule order is irrelevant: rules are evaluated by
// class precedence, and within a class by declaration order.
func NewTable(def Class, rules ...Rule) *Table {
	ordered := make([]Rule, 0, len(rules))
	for _, class := range []Class{Admin, Protected, Public} {
		for _, r := range rules {
			if r.Class == class {
				ordered = append(ordered, r)
			}
		}
	}
	return &Table{rules: ordered, Default: def}
}

// Classify maps a request path to its access class. The remaining "/api"
// surface is not listed: it falls to Default.
func (t *Table) Classify(path string) Class {
	path = normalize(path)
	for _, r := range t.rules {
		if r.matches(path) {
			return r.Class
		}
	}
	return t.Default
}

// Classify uses DefaultTable.
func Classify(path string) Class { return DefaultTable.Classify(path) }

// IsAPI reports whether path belongs to the JSON API surface.
func IsAPI(path string) bool {
	path = normalize(path)
	return path == "/api" || strings.HasPrefix(path, "/api/")
}

// normalize strips query/fragment and cleans dot segments so "/auth/../admin"
// is classified as "/admin".
func normalize(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}
