// Package store defines the persistence interface for the paper ledger.
// Implementations include PostgreSQL, BuntDB (embedded file), Redis
// (read-through cache over another store) and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/SavageCabbagee/paper/internal/model"
)

// ErrNotFound is returned when an account or position does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. Reads are single-key snapshots; every
// mutation goes through Update so that the account and its positions change
// together or not at all.
type Store interface {
	// GetAccount retrieves the account for userID.
	GetAccount(ctx context.Context, userID int64) (*model.Account, error)

	// GetPosition retrieves one position by its composite key.
	GetPosition(ctx context.Context, userID int64, token string) (*model.Position, error)

	// ListPositions returns all open positions for userID, ordered by token.
	ListPositions(ctx context.Context, userID int64) ([]model.Position, error)

	// ListTrades returns the fill history for userID, oldest first.
	ListTrades(ctx context.Context, userID int64) ([]model.Trade, error)

	// Update runs fn as one atomic unit over userID's records. If fn returns
	// an error nothing it wrote is persisted and the error is returned as is.
	Update(ctx context.Context, userID int64, fn func(tx Tx) error) error
}

// Tx is the read-modify-write view handed to Update callbacks. It is bound
// to a single user and must not be used after the callback returns.
type Tx interface {
	Account() (*model.Account, error)
	PutAccount(acct *model.Account) error

	Position(token string) (*model.Position, error)
	PutPosition(pos *model.Position) error
	DeletePosition(token string) error
	// DeletePositions removes every position the user holds.
	DeletePositions() error

	AppendTrade(trade *model.Trade) error
}
