// Package resolve answers "who matches this query" over a loaded
// cache snapshot: fuzzy name matching with an auditable scoring
// policy, phone reverse lookup, and capability lookup.
package resolve

import (
	"sort"
	"strings"

	"github.com/tgra59/apple-mcp-enhanced/internal/cache"
	"github.com/tgra59/apple-mcp-enhanced/internal/phone"
)

// MinScore is the precision guard for single-result name resolution: a
// short query must not loosely match an unrelated longer name by bare
// substring containment. Tunable, but the default is preserved from
// long-standing behavior.
const MinScore = 60

// nameRule scores a candidate key against a query. Rules are ordered
// highest-first and evaluated top to bottom per candidate; the first
// applicable rule wins. Scores are never summed.
type nameRule struct {
	score   int
	matches func(key, query string) bool
}

var nameRules = []nameRule{
	// Exact key match.
	{100, func(k, q string) bool { return k == q }},
	// Query is the leading name token, followed by a space.
	{90, func(k, q string) bool { return strings.HasPrefix(k, q+" ") }},
	// Query is a prefix of the key.
	{80, func(k, q string) bool { return strings.HasPrefix(k, q) }},
	// Query is a whole word in the middle of the key.
	{70, func(k, q string) bool { return strings.Contains(k, " "+q+" ") }},
	// Query is the whole trailing word.
	{60, func(k, q string) bool { return strings.HasSuffix(k, " "+q) }},
	// Bare substring anywhere. Below MinScore on purpose.
	{20, func(k, q string) bool { return strings.Contains(k, q) }},
}

func scoreName(key, query string) int {
	for _, r := range nameRules {
		if r.matches(key, query) {
			return r.score
		}
	}
	return 0
}

// Resolver performs read-only lookups over one snapshot. Snapshots are
// immutable after load, so a Resolver is safe for concurrent use.
type Resolver struct {
	snap *cache.Snapshot
}

func New(snap *cache.Snapshot) *Resolver {
	if snap == nil {
		snap = cache.NewSnapshot()
	}
	return &Resolver{snap: snap}
}

// Snapshot exposes the underlying snapshot for status reporting.
func (r *Resolver) Snapshot() *cache.Snapshot { return r.snap }

// FindByName resolves a query to at most one contact. The query is
// matched case-insensitively against each cached key through the rule
// table; the best-scoring candidate is returned only when it scores at
// least MinScore. Ties break to the first candidate seen in sorted-key
// order, which keeps resolution deterministic across runs.
func (r *Resolver) FindByName(query string) (cache.ContactEntry, int, bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return cache.ContactEntry{}, 0, false
	}
	if e, ok := r.snap.Contacts[q]; ok {
		return e, 100, true
	}

	bestScore := 0
	var best cache.ContactEntry
	for _, key := range r.sortedKeys() {
		if s := scoreName(key, q); s > bestScore {
			bestScore = s
			best = r.snap.Contacts[key]
		}
	}
	if bestScore < MinScore {
		return cache.ContactEntry{}, bestScore, false
	}
	return best, bestScore, true
}

// Match is one scored candidate from FindBestMatches.
type Match struct {
	Entry cache.ContactEntry
	Score int
}

// FindBestMatches scores every candidate with a richer multi-signal
// scorer for multi-candidate pickers, sorted descending and truncated
// to limit. Non-positive scores are filtered out.
func (r *Resolver) FindBestMatches(query string, limit int) []Match {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" || limit <= 0 {
		return nil
	}

	var matches []Match
	for _, key := range r.sortedKeys() {
		if s := rankScore(key, q); s > 0 {
			matches = append(matches, Match{Entry: r.snap.Contacts[key], Score: s})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// rankScore is the multi-signal scorer: whole-string signals first,
// then per-word partial credit, then character overlap as a last
// resort for near-miss spellings.
func rankScore(key, query string) int {
	switch {
	case key == query:
		return 100
	case strings.HasPrefix(key, query):
		return 90
	case containsWord(key, query):
		return 80
	case strings.Contains(key, query):
		return 70
	}

	credit := 0
	keyWords := strings.Fields(key)
	for _, qw := range strings.Fields(query) {
		best := 0
		for _, kw := range keyWords {
			if strings.HasPrefix(kw, qw) {
				best = 30
				break
			}
			if strings.Contains(kw, qw) {
				best = 15
			}
		}
		credit += best
	}
	if credit > 65 {
		credit = 65
	}
	if credit > 0 {
		return credit
	}

	if ratio := overlapRatio(key, query); ratio > 0.6 {
		return int(ratio * 50)
	}
	return 0
}

// containsWord reports whether query appears as a whole word of key.
func containsWord(key, query string) bool {
	for _, w := range strings.Fields(key) {
		if w == query {
			return true
		}
	}
	return false
}

// overlapRatio is the character-multiset overlap between the two
// strings, normalized against the longer one.
func overlapRatio(a, b string) float64 {
	longer, shorter := a, b
	if len(shorter) > len(longer) {
		longer, shorter = shorter, longer
	}
	if len(longer) == 0 {
		return 0
	}
	counts := make(map[rune]int)
	for _, r := range longer {
		counts[r]++
	}
	common := 0
	for _, r := range shorter {
		if counts[r] > 0 {
			counts[r]--
			common++
		}
	}
	return float64(common) / float64(len(longer))
}

// FindByPhone reverse-looks-up a contact by number. Every equivalent
// form of the query is compared against every equivalent form of each
// cached number, so +1-prefixed and bare 10-digit forms match either
// way. Candidates are scanned in sorted-key order, first hit wins.
func (r *Resolver) FindByPhone(rawNumber string) (cache.ContactEntry, bool) {
	queryForms := phone.EquivalentForms(rawNumber)
	if len(queryForms) == 0 {
		return cache.ContactEntry{}, false
	}
	want := make(map[string]struct{}, len(queryForms))
	for _, f := range queryForms {
		want[f] = struct{}{}
	}

	for _, key := range r.sortedKeys() {
		entry := r.snap.Contacts[key]
		for _, num := range entry.PhoneNumbers {
			for _, form := range phone.EquivalentForms(num) {
				if _, ok := want[form]; ok {
					return entry, true
				}
			}
		}
	}
	return cache.ContactEntry{}, false
}

// CapabilityFor looks up the cached capability record for a number.
// Absence is not an error: a nil record means "unknown, ask the live
// probe."
func (r *Resolver) CapabilityFor(rawNumber string) *cache.CapabilityRecord {
	canon, ok := phone.Normalize(rawNumber)
	if !ok {
		return nil
	}
	if rec, ok := r.snap.Capabilities[canon]; ok {
		return &rec
	}
	return nil
}

func (r *Resolver) sortedKeys() []string {
	keys := make([]string, 0, len(r.snap.Contacts))
	for k := range r.snap.Contacts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
