package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/SavageCabbagee/paper/internal/metrics"
	"github.com/SavageCabbagee/paper/internal/model"
	"github.com/SavageCabbagee/paper/internal/store"
)

// Account returns userID's account.
func (e *Engine) Account(ctx context.Context, userID int64) (*model.Account, error) {
	return e.account(ctx, userID)
}

// CreateAccount opens an account for userID holding initialBalance.
func (e *Engine) CreateAccount(ctx context.Context, userID int64, initialBalance decimal.Decimal) (*model.Account, error) {
	if !initialBalance.IsPositive() {
		return nil, ErrInvalidAmount
	}

	unlock := e.locks.lock(userID)
	defer unlock()

	now := e.now().UTC()
	acct := &model.Account{
		UserID:      userID,
		BaseBalance: initialBalance,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := e.store.Update(ctx, userID, func(tx store.Tx) error {
		_, err := tx.Account()
		switch {
		case err == nil:
			return ErrAlreadyExists
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		return tx.PutAccount(acct)
	})
	if err = settled(err); err != nil {
		return nil, err
	}

	e.logger.Info("account created", "user", userID, "balance", initialBalance.String())
	return acct, nil
}

// OpenOrCreateAccount returns userID's account, creating it with the
// configured initial balance on first contact. created reports which
// happened.
func (e *Engine) OpenOrCreateAccount(ctx context.Context, userID int64) (acct *model.Account, created bool, err error) {
	acct, err = e.account(ctx, userID)
	if err == nil {
		return acct, false, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, false, err
	}

	acct, err = e.CreateAccount(ctx, userID, e.initialBalance)
	if errors.Is(err, ErrAlreadyExists) {
		// Lost a race with another first contact.
		acct, err = e.account(ctx, userID)
		return acct, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return acct, true, nil
}

// ResetAccount closes every position of userID without settlement and sets
// the balance to newBalance, creating the account if needed. Trade history
// is kept.
func (e *Engine) ResetAccount(ctx context.Context, userID int64, newBalance decimal.Decimal) (*model.Account, error) {
	if !newBalance.IsPositive() {
		return nil, ErrInvalidAmount
	}

	unlock := e.locks.lock(userID)
	defer unlock()

	now := e.now().UTC()
	var acct *model.Account
	err := e.store.Update(ctx, userID, func(tx store.Tx) error {
		if err := tx.DeletePositions(); err != nil {
			return err
		}

		existing, err := tx.Account()
		switch {
		case err == nil:
			acct = existing
		case errors.Is(err, store.ErrNotFound):
			acct = &model.Account{UserID: userID, CreatedAt: now}
		default:
			return err
		}
		acct.BaseBalance = newBalance
		acct.UpdatedAt = now
		return tx.PutAccount(acct)
	})
	if err = settled(err); err != nil {
		e.logger.Error("account reset failed", "user", userID, "err", err)
		return nil, err
	}

	metrics.AccountResets.Inc()
	e.logger.Info("account reset", "user", userID, "balance", newBalance.String())
	return acct, nil
}
