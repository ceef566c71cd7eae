package main

import "sync"

// SavedInfo keeps the most recent payload of each now-playing event so that
// a refreshed or newly connected browser can be brought up to date.
// Snapshot order is the order in which each event was first stored.
type SavedInfo struct {
	mu     sync.RWMutex
	order  []string
	events map[string]any
}

func NewSavedInfo() *SavedInfo {
	return &SavedInfo{events: make(map[string]any)}
}

func (s *SavedInfo) Put(event string, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[event]; !exists {
		s.order = append(s.order, event)
	}
	s.events[event] = data
}

func (s *SavedInfo) Get(event string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.events[event]
	return data, ok
}

func (s *SavedInfo) Snapshot() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, Event{Name: name, Data: s.events[name]})
	}
	return out
}

func (s *SavedInfo) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
