// Package memory is an in-process card.Store for local runs and tests.
// Cards do not survive a restart.
package memory

import (
	"context"
	"sync"

	"github.com/keithlinneman/cardshare/internal/card"
	"github.com/keithlinneman/cardshare/internal/cryptoutil"
)

type Store struct {
	mu    sync.RWMutex
	cards map[string]*card.Card
	views map[string][]card.View
}

var _ card.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		cards: make(map[string]*card.Card),
		views: make(map[string][]card.View),
	}
}

func (s *Store) Create(_ context.Context, c *card.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cards[c.ID]; exists {
		return card.ErrConflict
	}
	cp := *c
	s.cards[c.ID] = &cp
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*card.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cards[id]
	if !ok || !c.IsPublished {
		return nil, card.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) Delete(_ context.Context, id, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[id]
	if !ok {
		return card.ErrNotFound
	}
	if c.OwnerTokenHash == "" || !cryptoutil.HashEqual(c.OwnerTokenHash, tokenHash) {
		return card.ErrForbidden
	}
	delete(s.views, id)
	delete(s.cards, id)
	return nil
}

func (s *Store) RecordView(_ context.Context, v card.View) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cards[v.CardID]; !ok {
		return card.ErrNotFound
	}
	s.views[v.CardID] = append(s.views[v.CardID], v)
	return nil
}

// Views returns the number of recorded views for id.
func (s *Store) Views(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.views[id])
}

func (s *Store) Ping(context.Context) error { return nil }
