// Package action parses and validates user input before it reaches the
// ledger: raw amount strings, token addresses and inline-keyboard callback
// payloads of the form {buy|sell}_{token}_{fixed|percent}_{value}.
package action

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Sides.
const (
	Buy  = "buy"
	Sell = "sell"
)

// Amount modes.
const (
	Fixed   = "fixed"   // value is an amount of base currency
	Percent = "percent" // value is a percentage
)

// callbackRegex matches: {side}_{token}_{mode}_{value}
// Example: buy_So11111111111111111111111111111111111111112_percent_25
var callbackRegex = regexp.MustCompile(
	`^(buy|sell)_([A-Za-z0-9]+)_(fixed|percent)_(\d+(?:\.\d+)?)$`,
)

// tokenRegex accepts base58 (Solana) and 0x-hex (EVM) style addresses.
var tokenRegex = regexp.MustCompile(`^[A-Za-z0-9]{20,64}$`)

// maxCallbackData is Telegram's limit on callback_data.
const maxCallbackData = 64

var (
	ErrInvalidCallback = errors.New("action: invalid callback data")
	ErrInvalidAmount   = errors.New("action: amount must be a positive number")
	ErrInvalidPercent  = errors.New("action: percentage must be between 0 and 100")
	ErrInvalidToken    = errors.New("action: invalid token address")
)

var hundred = decimal.NewFromInt(100)

// Action is a parsed keyboard press.
type Action struct {
	Side  string          `json:"side"`
	Token string          `json:"token"`
	Mode  string          `json:"mode"`
	Value decimal.Decimal `json:"value"`
}

// Data encodes a as callback data.
func (a Action) Data() string {
	return fmt.Sprintf("%s_%s_%s_%s", a.Side, a.Token, a.Mode, a.Value.String())
}

// BaseAmount resolves a buy to the amount of base currency to spend given
// the current balance.
func (a Action) BaseAmount(balance decimal.Decimal) decimal.Decimal {
	if a.Mode == Percent {
		return balance.Mul(a.Value).Shift(-2)
	}
	return a.Value
}

// ParseCallback parses and validates callback data. Sells only accept
// percentages.
func ParseCallback(data string) (*Action, error) {
	if len(data) > maxCallbackData {
		return nil, fmt.Errorf("%w: longer than %d bytes", ErrInvalidCallback, maxCallbackData)
	}
	matches := callbackRegex.FindStringSubmatch(data)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected {buy|sell}_{token}_{fixed|percent}_{value})",
			ErrInvalidCallback, data)
	}

	a := &Action{
		Side:  matches[1],
		Token: matches[2],
		Mode:  matches[3],
	}
	value, err := decimal.NewFromString(matches[4])
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCallback, data)
	}
	a.Value = value

	if a.Side == Sell && a.Mode != Percent {
		return nil, fmt.Errorf("%w: sells are by percentage", ErrInvalidCallback)
	}
	switch a.Mode {
	case Percent:
		if err := validPercent(value); err != nil {
			return nil, err
		}
	case Fixed:
		if !value.IsPositive() {
			return nil, ErrInvalidAmount
		}
	}
	return a, nil
}

// ParseAmount parses a user-typed base amount such as "2.5" or "10".
func ParseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if !v.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return v, nil
}

// ParsePercent parses a percentage in (0, 100]. A trailing "%" is allowed.
func ParsePercent(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "%")
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidPercent, raw)
	}
	if err := validPercent(v); err != nil {
		return decimal.Zero, err
	}
	return v, nil
}

// ParseToken trims and validates a token address.
func ParseToken(raw string) (string, error) {
	token := strings.TrimSpace(raw)
	if !tokenRegex.MatchString(token) {
		return "", fmt.Errorf("%w: %q", ErrInvalidToken, raw)
	}
	return token, nil
}

func validPercent(v decimal.Decimal) error {
	if !v.IsPositive() || v.GreaterThan(hundred) {
		return fmt.Errorf("%w: %s", ErrInvalidPercent, v)
	}
	return nil
}
