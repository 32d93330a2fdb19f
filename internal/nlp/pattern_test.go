package nlp

import (
	"context"
	"testing"

	"github.com/unifiedai/recall/pkg/types"
)

func extract(t *testing.T, text string) []types.Mention {
	t.Helper()
	mentions, err := NewPatternExtractor().Extract(context.Background(), text)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	return mentions
}

func findMention(mentions []types.Mention, text string) *types.Mention {
	for i := range mentions {
		if mentions[i].Text == text {
			return &mentions[i]
		}
	}
	return nil
}

func TestExtractContractSentence(t *testing.T) {
	text := "Jane Smith from Acme Corp signed the contract for $50,000 on March 3, 2026."
	mentions := extract(t, text)

	cases := []struct {
		text string
		typ  types.EntityType
	}{
		{"Jane Smith", types.EntityPerson},
		{"Acme Corp", types.EntityOrg},
		{"$50,000", types.EntityMoney},
		{"March 3, 2026", types.EntityDate},
	}
	for _, c := range cases {
		m := findMention(mentions, c.text)
		if m == nil {
			t.Errorf("missing mention %q in %v", c.text, mentions)
			continue
		}
		if m.Type != c.typ {
			t.Errorf("%q: expected type %s, got %s", c.text, c.typ, m.Type)
		}
		if text[m.Start:m.End] != c.text {
			t.Errorf("%q: offsets [%d,%d) point at %q", c.text, m.Start, m.End, text[m.Start:m.End])
		}
	}
}

func TestExtractIsDeterministic(t *testing.T) {
	text := "Jane Smith met John Doe at Acme Corp in San Francisco on 2026-01-15."
	first := extract(t, text)
	second := extract(t, text)

	if len(first) != len(second) {
		t.Fatalf("runs differ in length: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("mention %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestExtractPlacesViaGazetteer(t *testing.T) {
	mentions := extract(t, "Flying to San Francisco next week to meet Jane Smith.")

	sf := findMention(mentions, "San Francisco")
	if sf == nil || sf.Type != types.EntityPlace {
		t.Errorf("San Francisco should be a place: %+v", mentions)
	}
	jane := findMention(mentions, "Jane Smith")
	if jane == nil || jane.Type != types.EntityPerson {
		t.Errorf("Jane Smith should be a person: %+v", mentions)
	}
}

func TestExtractOrgWinsOverPerson(t *testing.T) {
	mentions := extract(t, "The Acme Labs report is out.")

	if m := findMention(mentions, "Acme Labs"); m == nil || m.Type != types.EntityOrg {
		t.Errorf("org suffix rule should win: %+v", mentions)
	}
	for _, m := range mentions {
		if m.Type == types.EntityPerson {
			t.Errorf("no person should be found in an org span: %+v", m)
		}
	}
}

func TestExtractMoneyVariants(t *testing.T) {
	for _, text := range []string{
		"paid $1,200.50 today",
		"budget of $5M approved",
		"about 300 USD total",
	} {
		mentions := extract(t, text)
		found := false
		for _, m := range mentions {
			if m.Type == types.EntityMoney {
				found = true
			}
		}
		if !found {
			t.Errorf("no money mention in %q: %v", text, mentions)
		}
	}
}

func TestExtractDateVariants(t *testing.T) {
	for _, text := range []string{
		"due 2026-09-01",
		"met on Jan 5, 2026",
		"call on 3/14/2026",
	} {
		mentions := extract(t, text)
		found := false
		for _, m := range mentions {
			if m.Type == types.EntityDate {
				found = true
			}
		}
		if !found {
			t.Errorf("no date mention in %q: %v", text, mentions)
		}
	}
}

func TestExtractNothing(t *testing.T) {
	if mentions := extract(t, "nothing interesting in lowercase text"); len(mentions) != 0 {
		t.Errorf("expected no mentions, got %v", mentions)
	}
}
