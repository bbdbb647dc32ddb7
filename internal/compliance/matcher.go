package compliance

import (
	"regexp"
	"sort"
	"strings"
)

type anchor struct {
	term     string
	moduleID string
	domain   string
	tier     Tier
}

// matcher is an immutable compiled view of a set of modules.
type matcher struct {
	re     *regexp.Regexp
	lookup map[string]anchor
}

// compile builds one case-insensitive alternation over every term, longest
// first so that longer phrases win over their prefixes. A term listed in
// both tiers keeps the block tier.
func compile(modules []Module) *matcher {
	lookup := make(map[string]anchor)
	add := func(m Module, term string, tier Tier) {
		key := strings.ToLower(strings.TrimSpace(term))
		if prev, ok := lookup[key]; ok && prev.tier.Hard() {
			return
		}
		lookup[key] = anchor{term: key, moduleID: m.ID, domain: m.Domain, tier: tier}
	}
	for _, m := range modules {
		for _, term := range m.Patterns.Detect {
			add(m, term, TierDetect)
		}
		for _, term := range m.Patterns.Block {
			add(m, term, TierBlock)
		}
	}
	if len(lookup) == 0 {
		return &matcher{lookup: lookup}
	}

	terms := make([]string, 0, len(lookup))
	for t := range lookup {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if len(terms[i]) != len(terms[j]) {
			return len(terms[i]) > len(terms[j])
		}
		return terms[i] < terms[j]
	})
	escaped := make([]string, len(terms))
	for i, t := range terms {
		escaped[i] = regexp.QuoteMeta(t)
	}
	return &matcher{
		re:     regexp.MustCompile("(?i)" + strings.Join(escaped, "|")),
		lookup: lookup,
	}
}

// find returns the first occurrence of every distinct term in text.
func (m *matcher) find(text string) []Match {
	if m == nil || m.re == nil {
		return nil
	}
	lower := strings.ToLower(text)
	seen := make(map[string]bool)
	var out []Match
	for _, loc := range m.re.FindAllStringIndex(lower, -1) {
		term := lower[loc[0]:loc[1]]
		if seen[term] {
			continue
		}
		seen[term] = true
		if a, ok := m.lookup[term]; ok {
			out = append(out, Match{
				Term:     a.term,
				ModuleID: a.moduleID,
				Domain:   a.domain,
				Tier:     a.tier,
				Position: loc[0],
			})
		}
	}
	return out
}

func (m *matcher) size() int {
	if m == nil {
		return 0
	}
	return len(m.lookup)
}
