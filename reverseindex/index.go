package reverseindex

// Index maps translations back to the outlines holding them.
//
// Two maps are kept in lockstep:
//   - exact:  value       → outlines whose value == value
//   - folded: Fold(value) → outlines whose Fold(value) == Fold(value)
//
// Callers must Remove the old pairing before Add-ing a new value for an
// outline, otherwise stale ties remain.
type Index struct {
	exact  map[string]map[string]struct{}
	folded map[string]map[string]struct{}
}

// New creates an empty reverse index
func New() *Index {
	return &Index{
		exact:  make(map[string]map[string]struct{}),
		folded: make(map[string]map[string]struct{}),
	}
}

// Add records that key currently holds value
func (x *Index) Add(key, value string) {
	addTo(x.exact, value, key)
	addTo(x.folded, Fold(value), key)
}

// Remove drops the pairing of key with value from both maps
func (x *Index) Remove(key, value string) {
	removeFrom(x.exact, value, key)
	removeFrom(x.folded, Fold(value), key)
}

// Lookup returns the outlines holding exactly value.
// Returns nil if there are none.
func (x *Index) Lookup(value string) []string {
	return keysOf(x.exact[value])
}

// LookupFolded returns the outlines whose value folds equal to value.
// Returns nil if there are none.
func (x *Index) LookupFolded(value string) []string {
	return keysOf(x.folded[Fold(value)])
}

// Len returns the number of distinct exact values indexed
func (x *Index) Len() int {
	return len(x.exact)
}

// FoldedLen returns the number of distinct folded values indexed
func (x *Index) FoldedLen() int {
	return len(x.folded)
}

// Reset empties both maps
func (x *Index) Reset() {
	clear(x.exact)
	clear(x.folded)
}

func addTo(m map[string]map[string]struct{}, value, key string) {
	set, ok := m[value]
	if !ok {
		set = make(map[string]struct{}, 1)
		m[value] = set
	}
	set[key] = struct{}{}
}

func removeFrom(m map[string]map[string]struct{}, value, key string) {
	set, ok := m[value]
	if !ok {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(m, value)
	}
}

func keysOf(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys
}
