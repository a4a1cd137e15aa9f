package recovery

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists kits and their shares. Implementations enforce at most one
// active kit per user.
type Store interface {
	// ActiveKit returns ErrNoActiveKit when the user has none.
	ActiveKit(ctx context.Context, userID string) (Kit, error)
	Kit(ctx context.Context, kitID string) (Kit, error)
	// ReplaceActiveKit installs kit as the user's active kit if the current
	// active kit id still equals expectedActiveID ("" for none), deactivating
	// the previous one. Otherwise it returns ErrKitConflict.
	ReplaceActiveKit(ctx context.Context, expectedActiveID string, kit Kit, shares []Share) error
	Shares(ctx context.Context, kitID string) ([]Share, error)
	Share(ctx context.Context, shareID string) (Share, error)
	// UpdateShare applies fn to the stored share atomically; an error from fn
	// aborts the update.
	UpdateShare(ctx context.Context, shareID string, fn func(*Share) error) (Share, error)
	// MarkSharesUsed flags every listed share of kitID as used, or none of
	// them if any is missing. Shares already used keep their first UsedAt.
	MarkSharesUsed(ctx context.Context, kitID string, shareIDs []string, at time.Time) error
	RevokeKit(ctx context.Context, kitID string, at time.Time) (Kit, error)
}

type MemoryStore struct {
	mu     sync.Mutex
	kits   map[string]Kit
	shares map[string]Share
	byKit  map[string][]string
	active map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kits:   map[string]Kit{},
		shares: map[string]Share{},
		byKit:  map[string][]string{},
		active: map[string]string{},
	}
}

func (s *MemoryStore) ActiveKit(_ context.Context, userID string) (Kit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.active[userID]
	if !ok {
		return Kit{}, ErrNoActiveKit
	}
	return s.kits[id].clone(), nil
}

func (s *MemoryStore) Kit(_ context.Context, kitID string) (Kit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kit, ok := s.kits[kitID]
	if !ok {
		return Kit{}, ErrKitNotFound
	}
	return kit.clone(), nil
}

func (s *MemoryStore) ReplaceActiveKit(_ context.Context, expectedActiveID string, kit Kit, shares []Share) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[kit.UserID] != expectedActiveID {
		return ErrKitConflict
	}
	if prevID := s.active[kit.UserID]; prevID != "" {
		prev := s.kits[prevID]
		prev.IsActive = false
		at := kit.CreatedAt
		prev.RevokedAt = &at
		s.kits[prevID] = prev
	}
	kit.IsActive = true
	s.kits[kit.ID] = kit.clone()
	s.active[kit.UserID] = kit.ID
	ids := make([]string, 0, len(shares))
	for _, share := range shares {
		s.shares[share.ID] = share.clone()
		ids = append(ids, share.ID)
	}
	s.byKit[kit.ID] = ids
	return nil
}

func (s *MemoryStore) Shares(_ context.Context, kitID string) ([]Share, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.kits[kitID]; !ok {
		return nil, ErrKitNotFound
	}
	out := make([]Share, 0, len(s.byKit[kitID]))
	for _, id := range s.byKit[kitID] {
		out = append(out, s.shares[id].clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShareIndex < out[j].ShareIndex })
	return out, nil
}

func (s *MemoryStore) Share(_ context.Context, shareID string) (Share, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	share, ok := s.shares[shareID]
	if !ok {
		return Share{}, ErrShareNotFound
	}
	return share.clone(), nil
}

func (s *MemoryStore) UpdateShare(_ context.Context, shareID string, fn func(*Share) error) (Share, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	share, ok := s.shares[shareID]
	if !ok {
		return Share{}, ErrShareNotFound
	}
	next := share.clone()
	if err := fn(&next); err != nil {
		return Share{}, err
	}
	s.shares[shareID] = next.clone()
	return next, nil
}

func (s *MemoryStore) MarkSharesUsed(_ context.Context, kitID string, shareIDs []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range shareIDs {
		share, ok := s.shares[id]
		if !ok || share.KitID != kitID {
			return ErrShareNotFound
		}
	}
	for _, id := range shareIDs {
		share := s.shares[id]
		if share.IsUsed {
			continue
		}
		share.IsUsed = true
		usedAt := at
		share.UsedAt = &usedAt
		s.shares[id] = share
	}
	return nil
}

func (s *MemoryStore) RevokeKit(_ context.Context, kitID string, at time.Time) (Kit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kit, ok := s.kits[kitID]
	if !ok {
		return Kit{}, ErrKitNotFound
	}
	if !kit.IsActive {
		return kit.clone(), nil
	}
	kit.IsActive = false
	revokedAt := at
	kit.RevokedAt = &revokedAt
	s.kits[kitID] = kit
	if s.active[kit.UserID] == kitID {
		delete(s.active, kit.UserID)
	}
	return kit.clone(), nil
}
