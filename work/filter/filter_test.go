package filter

import (
	"testing"

	"github.com/eribbey/redcarrd/work/types"
)

func names(events []types.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Title
	}
	return out
}

func TestCategoryFilter(t *testing.T) {
	events := []types.Event{
		{Title: "Arsenal v Spurs", Category: "Football"},
		{Title: "Lakers v Celtics", Category: "Basketball"},
		{Title: "Wimbledon Final", Category: "Tennis"},
	}

	f := New([]string{"football", "basketball"}, "", "")
	got := f.Apply(events)

	if len(got) != 2 {
		t.Fatalf("Apply returned %v, want 2 events", names(got))
	}
	if got[0].Title != "Arsenal v Spurs" || got[1].Title != "Lakers v Celtics" {
		t.Errorf("Apply order = %v, want input order preserved", names(got))
	}
}

func TestEmptyFilterKeepsAll(t *testing.T) {
	events := []types.Event{
		{Title: "A", Category: "Football"},
		{Title: "B", Category: "Darts"},
	}

	got := New(nil, "", "").Apply(events)
	if len(got) != 2 {
		t.Fatalf("empty filter dropped events: %v", names(got))
	}
}

func TestIncludeExcludePatterns(t *testing.T) {
	events := []types.Event{
		{Title: "Premier League: Arsenal v Spurs", Category: "Football"},
		{Title: "Premier League: Everton v Luton", Category: "Football"},
		{Title: "League Two: Salford v Walsall", Category: "Football"},
	}

	f := New(nil, "premier league", "everton")
	got := f.Apply(events)

	if len(got) != 1 {
		t.Fatalf("Apply returned %v, want 1 event", names(got))
	}
	if got[0].Title != "Premier League: Arsenal v Spurs" {
		t.Errorf("survivor = %q", got[0].Title)
	}
}

func TestInvalidPatternActsAsNoFilter(t *testing.T) {
	events := []types.Event{
		{Title: "Arsenal v Spurs", Category: "Football"},
	}

	f := New(nil, "([", "")
	got := f.Apply(events)

	if len(got) != 1 {
		t.Fatalf("invalid include pattern dropped events: %v", names(got))
	}
}
