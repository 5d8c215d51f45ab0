// Package ds holds small generic data structures shared by the domain
// packages.
package ds

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Set is an insertion-ordered set. Iteration order is deterministic, which
// keeps event batches derived from a set (cascades, selections) stable
// across replays.
type Set[T comparable] struct {
	items map[T]struct{}
	order []T
}

func NewSet[T comparable](items ...T) *Set[T] {
	s := &Set[T]{items: make(map[T]struct{}, len(items))}
	for _, it := range items {
		s.Add(it)
	}
	return s
}

func (s *Set[T]) init() {
	if s.items == nil {
		s.items = map[T]struct{}{}
	}
}

// Add inserts v and reports whether it was absent.
func (s *Set[T]) Add(v T) bool {
	s.init()
	if _, ok := s.items[v]; ok {
		return false
	}
	s.items[v] = struct{}{}
	s.order = append(s.order, v)
	return true
}

// Remove deletes vs and reports how many were present.
func (s *Set[T]) Remove(vs ...T) int {
	n := 0
	for _, v := range vs {
		if _, ok := s.items[v]; !ok {
			continue
		}
		delete(s.items, v)
		if i := slices.Index(s.order, v); i >= 0 {
			s.order = slices.Delete(s.order, i, i+1)
		}
		n++
	}
	return n
}

func (s *Set[T]) Contains(v T) bool {
	if s == nil {
		return false
	}
	_, ok := s.items[v]
	return ok
}

func (s *Set[T]) Len() int {
	if s == nil {
		return 0
	}
	return len(s.items)
}

func (s *Set[T]) IsEmpty() bool { return s.Len() == 0 }

// Values returns a copy in insertion order.
func (s *Set[T]) Values() []T {
	if s == nil {
		return nil
	}
	return slices.Clone(s.order)
}

func (s *Set[T]) Copy() *Set[T] { return NewSet(s.Values()...) }

// Replace swaps the contents for vs, keeping the order of vs.
func (s *Set[T]) Replace(vs ...T) {
	s.items = make(map[T]struct{}, len(vs))
	s.order = nil
	for _, v := range vs {
		s.Add(v)
	}
}

func (s *Set[T]) String() string { return fmt.Sprintf("%v", s.order) }

func (s Set[T]) MarshalJSON() ([]byte, error) {
	if s.order == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.order)
}

func (s *Set[T]) UnmarshalJSON(data []byte) error {
	var vs []T
	if err := json.Unmarshal(data, &vs); err != nil {
		return err
	}
	s.Replace(vs...)
	return nil
}
