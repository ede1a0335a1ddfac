package reverseindex

import (
	"slices"
	"testing"
)

func sorted(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return out
}

func TestFold(t *testing.T) {
	tests := []struct {
		a, b string
		same bool
	}{
		{"mary", "mArY", true},
		{"MARY", "mary", true},
		{"Straße", "STRASSE", true},
		{"ΣΑΣ", "σας", true},
		{"café", "CAFÉ", true},
		{"e\u0301", "\u00c9", true},
		{"e", "\u00e9", false},
		{"mary", "marie", false},
	}

	for _, tt := range tests {
		if got := Fold(tt.a) == Fold(tt.b); got != tt.same {
			t.Errorf("Fold(%q) == Fold(%q): got %v, want %v (%q vs %q)",
				tt.a, tt.b, got, tt.same, Fold(tt.a), Fold(tt.b))
		}
	}
}

func TestLookup(t *testing.T) {
	x := New()
	x.Add("FRED", "fred")
	x.Add("SHEILA", "mary")
	x.Add("MARIGOLD", "mary")
	x.Add("MARYANNE", "mArY")

	if got := sorted(x.Lookup("mary")); !slices.Equal(got, []string{"MARIGOLD", "SHEILA"}) {
		t.Errorf("Lookup(mary) = %v", got)
	}

	if got := sorted(x.LookupFolded("mary")); !slices.Equal(got, []string{"MARIGOLD", "MARYANNE", "SHEILA"}) {
		t.Errorf("LookupFolded(mary) = %v", got)
	}

	if got := sorted(x.LookupFolded("MARY")); !slices.Equal(got, []string{"MARIGOLD", "MARYANNE", "SHEILA"}) {
		t.Errorf("LookupFolded(MARY) = %v", got)
	}

	if got := x.Lookup("sheila"); got != nil {
		t.Errorf("Lookup(sheila) should be nil, got %v", got)
	}
}

func TestRemove(t *testing.T) {
	x := New()
	x.Add("SHEILA", "fred")
	x.Remove("SHEILA", "fred")
	x.Add("SHEILA", "mavis")

	if got := x.Lookup("fred"); got != nil {
		t.Errorf("Stale entry left behind: %v", got)
	}
	if got := x.LookupFolded("FRED"); got != nil {
		t.Errorf("Stale folded entry left behind: %v", got)
	}
	if x.Len() != 1 || x.FoldedLen() != 1 {
		t.Errorf("Expected 1 value in each map, got %d and %d", x.Len(), x.FoldedLen())
	}

	// Removing an unknown pairing is harmless
	x.Remove("NOBODY", "mavis")
	if got := x.Lookup("mavis"); !slices.Equal(got, []string{"SHEILA"}) {
		t.Errorf("Lookup(mavis) = %v", got)
	}

	x.Reset()
	if x.Len() != 0 || x.FoldedLen() != 0 {
		t.Error("Reset should empty both maps")
	}
}
