package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/buntdb"

	"github.com/SavageCabbagee/paper/internal/model"
)

// BuntStore implements Store on an embedded BuntDB file. Every record is a
// JSON document under one of these keys:
//
//	account:{user}
//	position:{user}:{token}
//	trade:{user}:{unix nanos}:{trade id}
//
// BuntDB allows a single read-write transaction at a time, which gives Update
// its atomicity.
type BuntStore struct {
	db *buntdb.DB
}

// BuntConfig holds configuration options for BuntDB.
type BuntConfig struct {
	// SyncPolicy determines how often data is synchronized to disk.
	SyncPolicy buntdb.SyncPolicy
}

// DefaultBuntConfig fsyncs once per second, BuntDB's own default.
func DefaultBuntConfig() BuntConfig {
	return BuntConfig{SyncPolicy: buntdb.EverySecond}
}

// NewBuntStore opens (or creates) the database at path. Use ":memory:" for a
// throwaway store.
func NewBuntStore(path string, config BuntConfig) (*BuntStore, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open buntdb: %w", err)
	}

	if err := db.SetConfig(buntdb.Config{
		SyncPolicy: config.SyncPolicy,
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure buntdb: %w", err)
	}

	return &BuntStore{db: db}, nil
}

// Close flushes and closes the underlying file.
func (s *BuntStore) Close() error {
	return s.db.Close()
}

func (s *BuntStore) GetAccount(_ context.Context, userID int64) (*model.Account, error) {
	var acct *model.Account
	err := s.db.View(func(tx *buntdb.Tx) error {
		var err error
		acct, err = buntGet[model.Account](tx, accountKey(userID))
		return err
	})
	return acct, err
}

func (s *BuntStore) GetPosition(_ context.Context, userID int64, token string) (*model.Position, error) {
	var pos *model.Position
	err := s.db.View(func(tx *buntdb.Tx) error {
		var err error
		pos, err = buntGet[model.Position](tx, positionKey(userID, token))
		return err
	})
	return pos, err
}

func (s *BuntStore) ListPositions(_ context.Context, userID int64) ([]model.Position, error) {
	var positions []model.Position
	err := s.db.View(func(tx *buntdb.Tx) error {
		var err error
		positions, err = buntScan[model.Position](tx, positionPrefix(userID))
		return err
	})
	return positions, err
}

func (s *BuntStore) ListTrades(_ context.Context, userID int64) ([]model.Trade, error) {
	var trades []model.Trade
	err := s.db.View(func(tx *buntdb.Tx) error {
		var err error
		trades, err = buntScan[model.Trade](tx, tradePrefix(userID))
		return err
	})
	return trades, err
}

// Update runs fn inside a BuntDB read-write transaction; returning an error
// from fn rolls back every write it made.
func (s *BuntStore) Update(_ context.Context, userID int64, fn func(tx Tx) error) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		return fn(&buntTx{tx: tx, userID: userID})
	})
}

type buntTx struct {
	tx     *buntdb.Tx
	userID int64
}

func (t *buntTx) Account() (*model.Account, error) {
	return buntGet[model.Account](t.tx, accountKey(t.userID))
}

func (t *buntTx) PutAccount(acct *model.Account) error {
	copy := *acct
	copy.UserID = t.userID
	return buntSet(t.tx, accountKey(t.userID), &copy)
}

func (t *buntTx) Position(token string) (*model.Position, error) {
	return buntGet[model.Position](t.tx, positionKey(t.userID, token))
}

func (t *buntTx) PutPosition(pos *model.Position) error {
	copy := *pos
	copy.UserID = t.userID
	return buntSet(t.tx, positionKey(t.userID, pos.TokenAddress), &copy)
}

func (t *buntTx) DeletePosition(token string) error {
	_, err := t.tx.Delete(positionKey(t.userID, token))
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil
	}
	return err
}

func (t *buntTx) DeletePositions() error {
	// Keys cannot be deleted while iterating.
	var keys []string
	err := t.tx.AscendKeys(positionPrefix(t.userID)+"*", func(key, _ string) bool {
		keys = append(keys, key)
		return true
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		if _, err := t.tx.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func (t *buntTx) AppendTrade(trade *model.Trade) error {
	copy := *trade
	copy.UserID = t.userID
	key := fmt.Sprintf("%s%020d:%s", tradePrefix(t.userID), trade.Timestamp.UnixNano(), trade.ID)
	return buntSet(t.tx, key, &copy)
}

func buntGet[T any](tx *buntdb.Tx, key string) (*T, error) {
	raw, err := tx.Get(key)
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &v, nil
}

func buntSet(tx *buntdb.Tx, key string, v any) error {
	content, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, _, err = tx.Set(key, string(content), nil)
	return err
}

// buntScan decodes every value under prefix in key order.
func buntScan[T any](tx *buntdb.Tx, prefix string) ([]T, error) {
	var (
		out    []T
		decErr error
	)
	err := tx.AscendKeys(prefix+"*", func(key, value string) bool {
		if !strings.HasPrefix(key, prefix) {
			return true
		}
		var v T
		if decErr = json.Unmarshal([]byte(value), &v); decErr != nil {
			decErr = fmt.Errorf("decode %s: %w", key, decErr)
			return false
		}
		out = append(out, v)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, decErr
}

func accountKey(userID int64) string { return fmt.Sprintf("account:%d", userID) }
func positionPrefix(userID int64) string { return fmt.Sprintf("position:%d:", userID) }
func tradePrefix(userID int64) string { return fmt.Sprintf("trade:%d:", userID) }
func positionKey(userID int64, t string) string { return positionPrefix(userID) + t }
