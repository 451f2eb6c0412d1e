package provider

import (
	"github.com/google/btree"
)

// IntervalSet stores a set of integers as runs of consecutive values in a
// B-tree, so Add, Remove and NextMissing are O(log n).
// NextMissing(x) returns the smallest integer >= x that is not in the set.
type IntervalSet struct {
	tree *btree.BTreeG[span]
}

type span struct {
	l, r int64
}

func spanLess(a, b span) bool { return a.l < b.l }

func NewIntervalSet() *IntervalSet {
	return &IntervalSet{tree: btree.NewG[span](2, spanLess)}
}

// floor returns the span with the largest l <= x.
func (s *IntervalSet) floor(x int64) (span, bool) {
	var out span
	found := false
	s.tree.DescendLessOrEqual(span{x, x}, func(p span) bool {
		out, found = p, true
		return false
	})
	return out, found
}

// ceil returns the span with the smallest l >= x.
func (s *IntervalSet) ceil(x int64) (span, bool) {
	var out span
	found := false
	s.tree.AscendGreaterOrEqual(span{x, x}, func(n span) bool {
		out, found = n, true
		return false
	})
	return out, found
}

func (s *IntervalSet) Contains(x int64) bool {
	p, ok := s.floor(x)
	return ok && x <= p.r
}

func (s *IntervalSet) Add(x int64) {
	if s.Contains(x) {
		return
	}
	merged := span{x, x}
	if p, ok := s.floor(x); ok && p.r+1 == x {
		s.tree.Delete(p)
		merged.l = p.l
	}
	if n, ok := s.ceil(x + 1); ok && n.l == x+1 {
		s.tree.Delete(n)
		merged.r = n.r
	}
	s.tree.ReplaceOrInsert(merged)
}

func (s *IntervalSet) Remove(x int64) {
	p, ok := s.floor(x)
	if !ok || x > p.r {
		return
	}
	s.tree.Delete(p)
	if p.l < x {
		s.tree.ReplaceOrInsert(span{p.l, x - 1})
	}
	if x < p.r {
		s.tree.ReplaceOrInsert(span{x + 1, p.r})
	}
}

func (s *IntervalSet) NextMissing(x int64) int64 {
	if p, ok := s.floor(x); ok && x <= p.r {
		return p.r + 1
	}
	return x
}

func (s *IntervalSet) Len() int { return s.tree.Len() }
