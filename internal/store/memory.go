package store

import (
	"context"
	"sort"
	"sync"

	"github.com/SavageCabbagee/paper/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Each user has its own slot and lock, so writers for different users never
// wait on each other.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[int64]*userSlot
}

type userSlot struct {
	mu        sync.RWMutex
	account   *model.Account
	positions map[string]model.Position
	trades    []model.Trade
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[int64]*userSlot),
	}
}

func (s *MemoryStore) slot(userID int64) (*userSlot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.users[userID]
	return sl, ok
}

func (s *MemoryStore) slotForWrite(userID int64) *userSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.users[userID]
	if !ok {
		sl = &userSlot{positions: make(map[string]model.Position)}
		s.users[userID] = sl
	}
	return sl
}

func (s *MemoryStore) GetAccount(_ context.Context, userID int64) (*model.Account, error) {
	sl, ok := s.slot(userID)
	if !ok {
		return nil, ErrNotFound
	}
	sl.mu.RLock()
	defer sl.mu.RUnlock()

	if sl.account == nil {
		return nil, ErrNotFound
	}
	copy := *sl.account
	return &copy, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID int64, token string) (*model.Position, error) {
	sl, ok := s.slot(userID)
	if !ok {
		return nil, ErrNotFound
	}
	sl.mu.RLock()
	defer sl.mu.RUnlock()

	p, ok := sl.positions[token]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID int64) ([]model.Position, error) {
	sl, ok := s.slot(userID)
	if !ok {
		return nil, nil
	}
	sl.mu.RLock()
	defer sl.mu.RUnlock()

	positions := make([]model.Position, 0, len(sl.positions))
	for _, p := range sl.positions {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].TokenAddress < positions[j].TokenAddress
	})
	return positions, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, userID int64) ([]model.Trade, error) {
	sl, ok := s.slot(userID)
	if !ok {
		return nil, nil
	}
	sl.mu.RLock()
	defer sl.mu.RUnlock()

	return append([]model.Trade(nil), sl.trades...), nil
}

// Update stages all writes on a copy of the user's slot and swaps it in only
// when fn succeeds.
func (s *MemoryStore) Update(_ context.Context, userID int64, fn func(tx Tx) error) error {
	sl := s.slotForWrite(userID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	tx := &memoryTx{
		userID:    userID,
		positions: make(map[string]model.Position, len(sl.positions)),
	}
	if sl.account != nil {
		acct := *sl.account
		tx.account = &acct
	}
	for k, v := range sl.positions {
		tx.positions[k] = v
	}

	if err := fn(tx); err != nil {
		return err
	}

	sl.account = tx.account
	sl.positions = tx.positions
	sl.trades = append(sl.trades, tx.trades...)
	return nil
}

type memoryTx struct {
	userID    int64
	account   *model.Account
	positions map[string]model.Position
	trades    []model.Trade
}

func (t *memoryTx) Account() (*model.Account, error) {
	if t.account == nil {
		return nil, ErrNotFound
	}
	copy := *t.account
	return &copy, nil
}

func (t *memoryTx) PutAccount(acct *model.Account) error {
	copy := *acct
	copy.UserID = t.userID
	t.account = &copy
	return nil
}

func (t *memoryTx) Position(token string) (*model.Position, error) {
	p, ok := t.positions[token]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (t *memoryTx) PutPosition(pos *model.Position) error {
	copy := *pos
	copy.UserID = t.userID
	t.positions[pos.TokenAddress] = copy
	return nil
}

func (t *memoryTx) DeletePosition(token string) error {
	delete(t.positions, token)
	return nil
}

func (t *memoryTx) DeletePositions() error {
	t.positions = make(map[string]model.Position)
	return nil
}

func (t *memoryTx) AppendTrade(trade *model.Trade) error {
	copy := *trade
	copy.UserID = t.userID
	t.trades = append(t.trades, copy)
	return nil
}
