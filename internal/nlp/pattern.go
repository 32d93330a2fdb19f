package nlp

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/unifiedai/recall/pkg/types"
)

// PatternExtractor finds entity mentions with deterministic rules: no model,
// no network, same output for the same input every time. It is the default
// extractor; deployments wanting full NER point the pipeline at a
// RemoteExtractor instead.
//
// Recognised patterns, in priority order (earlier wins on overlap):
// money amounts, dates, organizations by legal/common suffix, known place
// names, and capitalized name sequences as people.
type PatternExtractor struct{}

// NewPatternExtractor creates the rule-based extractor.
func NewPatternExtractor() *PatternExtractor {
	return &PatternExtractor{}
}

var (
	moneyRe = regexp.MustCompile(`(?:\$|€|£)\s?\d[\d,]*(?:\.\d+)?(?:\s?(?:[kKmMbB]|million|billion|thousand))?|\b\d[\d,]*(?:\.\d+)?\s?(?:USD|EUR|GBP)\b`)

	dateRe = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b` +
		`|\b(?:January|February|March|April|May|June|July|August|September|October|November|December|Jan|Feb|Mar|Apr|Jun|Jul|Aug|Sep|Sept|Oct|Nov|Dec)\.? \d{1,2}(?:st|nd|rd|th)?(?:, \d{4})?\b` +
		`|\b\d{1,2}/\d{1,2}/\d{2,4}\b`)

	orgRe = regexp.MustCompile(`\b(?:[A-Z][\w&.-]*\s)+(?:Corp|Corporation|Inc|LLC|LLP|Ltd|GmbH|Co|Company|Group|Holdings|Labs|Systems|Technologies|Software|Bank|University|Institute)\b`)

	personRe = regexp.MustCompile(`\b[A-Z][a-z]+(?: [A-Z]\.)?(?: [A-Z][a-z]+){1,2}\b`)

	productRe = regexp.MustCompile(`\b[A-Z][a-z]+(?:[A-Z][a-z]+)+\b` + // CamelCase names
		`|\b[A-Z][a-z]+ \d+(?:\.\d+)*\b`) // "Model 3", "Windows 11"
)

// knownPlaces is a small gazetteer keeping multi-word city and region names
// out of the person matcher. Lowercased lookup keys.
var knownPlaces = map[string]bool{
	"new york": true, "new york city": true, "san francisco": true,
	"los angeles": true, "las vegas": true, "london": true, "paris": true,
	"berlin": true, "tokyo": true, "seattle": true, "austin": true,
	"boston": true, "chicago": true, "amsterdam": true, "singapore": true,
	"hong kong": true, "san jose": true, "palo alto": true,
	"mountain view": true, "new delhi": true, "sydney": true, "toronto": true,
	"california": true, "texas": true, "germany": true, "france": true,
	"japan": true, "united states": true, "united kingdom": true,
}

// monthWords prevents date fragments like "May 3" from also matching the
// person or product rules.
var monthWords = map[string]bool{
	"january": true, "february": true, "march": true, "april": true,
	"may": true, "june": true, "july": true, "august": true,
	"september": true, "october": true, "november": true, "december": true,
}

type span struct {
	start, end int
	typ        types.EntityType
}

// Extract runs the rules against the text. Overlapping matches resolve by
// rule priority, then by earlier start. Offsets are byte offsets.
func (p *PatternExtractor) Extract(_ context.Context, text string) ([]types.Mention, error) {
	var spans []span

	collect := func(re *regexp.Regexp, typ types.EntityType) {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			spans = append(spans, span{start: loc[0], end: loc[1], typ: typ})
		}
	}

	// Priority order: a span claimed by an earlier rule is dead to later
	// ones ("Acme Corp" must not also yield person "Acme Corp").
	collect(moneyRe, types.EntityMoney)
	collect(dateRe, types.EntityDate)
	for _, loc := range orgRe.FindAllStringIndex(text, -1) {
		start := trimLeadingArticle(text, loc[0], loc[1])
		spans = append(spans, span{start: start, end: loc[1], typ: types.EntityOrg})
	}
	for _, loc := range personRe.FindAllStringIndex(text, -1) {
		candidate := text[loc[0]:loc[1]]
		switch {
		case knownPlaces[strings.ToLower(candidate)]:
			spans = append(spans, span{start: loc[0], end: loc[1], typ: types.EntityPlace})
		case monthWords[strings.ToLower(strings.Fields(candidate)[0])]:
			// Date fragment, already covered or noise.
		default:
			spans = append(spans, span{start: loc[0], end: loc[1], typ: types.EntityPerson})
		}
	}
	collect(productRe, types.EntityProduct)

	accepted := resolveOverlaps(spans)

	mentions := make([]types.Mention, 0, len(accepted))
	for _, sp := range accepted {
		mentions = append(mentions, types.Mention{
			Text:  text[sp.start:sp.end],
			Type:  sp.typ,
			Start: sp.start,
			End:   sp.end,
		})
	}
	return mentions, nil
}

// trimLeadingArticle drops a capitalized article the greedy org matcher
// swallowed ("The Acme Labs" names the org "Acme Labs").
func trimLeadingArticle(text string, start, end int) int {
	for _, article := range []string{"The ", "A ", "An "} {
		if strings.HasPrefix(text[start:end], article) {
			return start + len(article)
		}
	}
	return start
}

// resolveOverlaps keeps spans in append (priority) order, drops any span
// overlapping an already-accepted one, then sorts by position.
func resolveOverlaps(spans []span) []span {
	var accepted []span
	for _, sp := range spans {
		overlaps := false
		for _, a := range accepted {
			if sp.start < a.end && a.start < sp.end {
				overlaps = true
				break
			}
		}
		if !overlaps {
			accepted = append(accepted, sp)
		}
	}
	sort.Slice(accepted, func(i, j int) bool {
		return accepted[i].start < accepted[j].start
	})
	return accepted
}
