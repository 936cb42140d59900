package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"proxy-rmi/server"
)

// Store is the demo object served by proxyd. It is exported by reference, so
// every client sees the same contents.
type Store struct {
	mu   sync.RWMutex
	data map[string]any
}

func newStore() *Store {
	return &Store{data: make(map[string]any)}
}

func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()
}

func (s *Store) Get(key string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("no key %q", key)
	}
	return v, nil
}

func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	delete(s.data, key)
	return ok
}

func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Each calls fn with every key and value, in key order.
func (s *Store) Each(fn func(key string, value any)) {
	for _, k := range s.Keys() {
		if v, err := s.Get(k); err == nil {
			fn(k, v)
		}
	}
}

// lookupEvaluator answers eval requests by resolving the source as an export
// name. It only runs when eval_enabled is set.
type lookupEvaluator struct {
	front server.Front
}

func (e lookupEvaluator) Eval(ctx context.Context, src string) (any, error) {
	name := strings.TrimSpace(src)
	v, ok := e.front.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("undefined name %q", name)
	}
	return v, nil
}
