// Package permission evaluates a token's documentAccess patterns against a
// requested (documentId, permission) pair, per §4.D. Patterns compile to a
// cached matcher per token so that repeated evaluation (every accepted
// "doc.update"/"doc.sync-step-2", per §8 invariant 5) doesn't re-parse
// glob syntax on the hot path, following the DESIGN NOTES guidance that
// "permission patterns compile to a small regex or dedicated matcher; cache
// compiled patterns per token."
package permission

import (
	"strings"

	"github.com/gobwas/glob"
)

// Entry is one documentAccess rule from a token: a pattern and the
// permissions it grants when it matches (ignored when the pattern denies).
type Entry struct {
	Pattern     string
	Permissions []string
}

// Admin is the wildcard permission: an entry granting "admin" satisfies any
// requested permission.
const Admin = "admin"

// compiledEntry is an Entry with its pattern pre-classified into the
// cheapest applicable matcher, per the pattern semantics of §4.D:
// exact equality, "*", "<prefix>/*", "*<suffix>", or general glob.
type compiledEntry struct {
	deny        bool
	permissions map[string]bool

	kind   matchKind
	prefix string // for kindPrefix: the literal prefix before "/*"
	suffix string // for kindSuffix: the literal suffix after the leading "*"
	exact  string // for kindExact
	glob   glob.Glob
}

type matchKind int

const (
	kindExact matchKind = iota
	kindAny
	kindPrefix
	kindSuffix
	kindGlob
)

func compile(pattern string) compiledEntry {
	var ce compiledEntry
	var raw = pattern
	if strings.HasPrefix(raw, "!") {
		ce.deny = true
		raw = raw[1:]
	}

	switch {
	case raw == "*":
		ce.kind = kindAny
	case strings.HasSuffix(raw, "/*") && !strings.Contains(raw[:len(raw)-2], "*"):
		ce.kind = kindPrefix
		ce.prefix = raw[:len(raw)-1] // keep trailing "/" for the startswith check
	case strings.HasPrefix(raw, "*") && !strings.Contains(raw[1:], "*"):
		ce.kind = kindSuffix
		ce.suffix = raw[1:]
	case strings.Contains(raw, "*"):
		ce.kind = kindGlob
		// Only "*" is special per §4.D; gobwas/glob also treats "?", "[",
		// "]", "{", "}" as meta-characters, so neutralize those to match
		// literally before compiling.
		ce.glob = glob.MustCompile(literalizeGlobMeta(raw))
	default:
		ce.kind = kindExact
		ce.exact = raw
	}
	return ce
}

// literalizeGlobMeta wraps every gobwas/glob meta-character other than "*"
// in a single-character class, so it matches itself literally. "." is not
// a glob meta-character to begin with, but documentIds containing it must
// still compare literally; wrapping it here too makes that explicit rather
// than relying on it being meta-free by coincidence.
func literalizeGlobMeta(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '?', '[', ']', '{', '}', '.':
			b.WriteByte('[')
			b.WriteRune(r)
			b.WriteByte(']')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (ce compiledEntry) matches(documentID string) bool {
	switch ce.kind {
	case kindAny:
		return true
	case kindPrefix:
		return strings.HasPrefix(documentID, ce.prefix)
	case kindSuffix:
		return strings.HasSuffix(documentID, ce.suffix)
	case kindExact:
		return documentID == ce.exact
	case kindGlob:
		return ce.glob.Match(documentID)
	default:
		return false
	}
}

// Evaluator holds the compiled, cached matchers for one token's
// documentAccess list.
type Evaluator struct {
	entries []compiledEntry
}

// NewEvaluator compiles entries once; reuse the returned Evaluator for
// every permission check against the same token.
func NewEvaluator(entries []Entry) *Evaluator {
	var ev = &Evaluator{entries: make([]compiledEntry, 0, len(entries))}
	for _, e := range entries {
		var ce = compile(e.Pattern)
		ce.permissions = make(map[string]bool, len(e.Permissions))
		for _, p := range e.Permissions {
			ce.permissions[p] = true
		}
		ev.entries = append(ev.entries, ce)
	}
	return ev
}

// Allows reports whether documentID is permitted for requiredPermission,
// per the §4.D decision procedure: deny wins if any denying pattern
// matches; otherwise grant iff some granting pattern matches and offers
// requiredPermission or Admin.
func (ev *Evaluator) Allows(documentID, requiredPermission string) bool {
	var grant, deny bool
	for _, ce := range ev.entries {
		if ce.deny {
			if ce.matches(documentID) {
				deny = true
			}
			continue
		}
		if ce.matches(documentID) && (ce.permissions[requiredPermission] || ce.permissions[Admin]) {
			grant = true
		}
	}
	if deny {
		return false
	}
	return grant
}
