package catalog

import (
	"slices"
	"strings"
)

// LabelSet is a set of runner capability labels.  Labels are compared
// case-insensitively, the way GitHub matches runs-on labels.
type LabelSet struct {
	m map[string]struct{}
}

// NewLabelSet builds a set from labels, dropping blanks.
func NewLabelSet(labels ...string) LabelSet {
	s := LabelSet{m: make(map[string]struct{}, len(labels))}
	for _, l := range labels {
		if n := normalize(l); n != "" {
			s.m[n] = struct{}{}
		}
	}
	return s
}

func normalize(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

// Has reports whether label is in the set.
func (s LabelSet) Has(label string) bool {
	_, ok := s.m[normalize(label)]
	return ok
}

// Contains reports whether every label of other is in s.  The empty set
// is contained in every set.
func (s LabelSet) Contains(other LabelSet) bool {
	for l := range other.m {
		if _, ok := s.m[l]; !ok {
			return false
		}
	}
	return true
}

// Len returns the number of labels.
func (s LabelSet) Len() int {
	return len(s.m)
}

// Sorted returns the labels in lexical order.
func (s LabelSet) Sorted() []string {
	out := make([]string, 0, len(s.m))
	for l := range s.m {
		out = append(out, l)
	}
	slices.Sort(out)
	return out
}
