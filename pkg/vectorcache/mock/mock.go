// Package mock provides an in-memory test double for [vectorcache.Store].
//
// Entries written with Put are served back by Get, so the mock behaves like a
// working cache unless GetErr or PutErr is set.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/civicsight/pkg/vectorcache"
)

var _ vectorcache.Store = (*Store)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is "Get" or "Put".
	Method string

	// Model is the model argument.
	Model string

	// Labels is a copy of the labels argument.
	Labels []string
}

// Store is a configurable in-memory [vectorcache.Store].
type Store struct {
	mu      sync.Mutex
	calls   []Call
	entries map[string][]float32

	// GetErr is returned by Get when non-nil.
	GetErr error

	// PutErr is returned by Put when non-nil. Nothing is stored.
	PutErr error
}

func key(model, label string) string { return model + "\x00" + label }

// Get implements [vectorcache.Store].
func (s *Store) Get(_ context.Context, model string, labels []string) ([][]float32, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: "Get", Model: model, Labels: append([]string(nil), labels...)})
	if s.GetErr != nil {
		return nil, false, s.GetErr
	}
	out := make([][]float32, len(labels))
	for i, l := range labels {
		v, ok := s.entries[key(model, l)]
		if !ok {
			return nil, false, nil
		}
		out[i] = append([]float32(nil), v...)
	}
	return out, true, nil
}

// Put implements [vectorcache.Store].
func (s *Store) Put(_ context.Context, model string, labels []string, vecs [][]float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: "Put", Model: model, Labels: append([]string(nil), labels...)})
	if s.PutErr != nil {
		return s.PutErr
	}
	if s.entries == nil {
		s.entries = make(map[string][]float32)
	}
	for i, l := range labels {
		s.entries[key(model, l)] = append([]float32(nil), vecs[i]...)
	}
	return nil
}

// Calls returns a copy of all recorded calls.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount returns how many times method was called.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}
