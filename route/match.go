package route

import (
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru"
)

const _patternCacheSize = 4096

var _patterns *lru.Cache

func init() {
	var err error
	if _patterns, err = lru.New(_patternCacheSize); err != nil {
		panic(err)
	}
}

type patternKind byte

const (
	inboundPattern    patternKind = 'i'
	registeredPattern patternKind = 'r'
)

func hasWildcard(address string) bool {
	return strings.IndexByte(address, '*') >= 0
}

// compilePattern turns an address into a regular expression.
// Inbound addresses use "?" for exactly one word character and "*" for any
// run of word characters or "+", anchored at both ends. A registered "*"
// spans any run of non-"/" characters followed by any number of "/", and
// the expression is anchored at the start only, so "/mixer/*" accepts
// "/mixer/ch1/vol" and "/ch*/vol" accepts "/ch/vol".
func compilePattern(kind patternKind, address string) *regexp.Regexp {
	key := string(kind) + address
	if v, ok := _patterns.Get(key); ok {
		return v.(*regexp.Regexp)
	}

	expr := "^" + regexp.QuoteMeta(address)
	switch kind {
	case inboundPattern:
		expr = strings.ReplaceAll(expr, `\?`, `\w`)
		expr = strings.ReplaceAll(expr, `\*`, `[\w+]*`) + "$"
	case registeredPattern:
		expr = strings.ReplaceAll(expr, `\*`, `[^/]*?/*`)
	}
	re := regexp.MustCompile(expr)
	_patterns.Add(key, re)
	return re
}

// Pattern compiles an inbound address pattern: "?" matches one word
// character and "*" any run of word characters or "+".
func Pattern(address string) *regexp.Regexp {
	return compilePattern(inboundPattern, address)
}

// Match returns every route for address: the exact entry first, then, in
// address order, the registered addresses that match address read as a
// pattern (only when there is no exact entry) and the registered wildcard
// addresses that address matches. A route appears at most once.
func (n *Node) Match(address string) []Route {
	t := n.load()

	var out []Route
	seen := make(map[string]struct{})
	add := func(r Route) {
		if _, dup := seen[r.Address]; dup {
			return
		}
		seen[r.Address] = struct{}{}
		out = append(out, r)
	}

	exact, ok := t.routes[address]
	if ok {
		add(exact)
	}

	inbound := !ok && strings.ContainsAny(address, "?*")
	var re *regexp.Regexp
	if inbound {
		re = compilePattern(inboundPattern, address)
	}

	// Both lists are sorted, so results come out in address order.
	candidates := t.wild
	if inbound {
		candidates = t.list
	}
	for _, r := range candidates {
		if _, dup := seen[r.Address]; dup {
			continue
		}
		if inbound && re.MatchString(r.Address) {
			add(r)
			continue
		}
		if hasWildcard(r.Address) && compilePattern(registeredPattern, r.Address).MatchString(address) {
			add(r)
		}
	}
	return out
}
