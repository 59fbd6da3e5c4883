package telegram

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"github.com/SavageCabbagee/paper/internal/ledger"
	"github.com/SavageCabbagee/paper/internal/model"
)

const helpMessage = "Paper Trading Bot Commands:\n\n" +
	"/start - Create new account\n" +
	"/buy <token_address> - Buy a token\n" +
	"/sell <token_address> - Sell part or all of a position\n" +
	"/reload <amount> - Reset account with new balance\n" +
	"/portfolio - View your current portfolio\n" +
	"/help - Show this help message"

const genericError = "An error occurred while processing your request. Please try again."

func welcomeMessage(balance decimal.Decimal) string {
	return "Welcome to the Paper Trading Bot! 🚀\n\n" +
		fmt.Sprintf("Your account has been created with %s SOL\n\n", balance.String()) +
		"Available commands:\n" +
		"/buy <token_address> - Buy a token\n" +
		"/sell <token_address> - Sell a position\n" +
		"/portfolio - View your current portfolio\n" +
		"/reload <amount> - Reset account with new balance\n" +
		"/help - Show this help message"
}

// errorMessage turns an engine error into something a user can act on.
func errorMessage(err error) string {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		return "You don't have an account yet. Use /start to create one."
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "Insufficient SOL balance for this purchase."
	case errors.Is(err, ledger.ErrPriceUnavailable):
		return "Unable to fetch token price information."
	case errors.Is(err, ledger.ErrPositionNotFound):
		return "You don't have any position in this token."
	case errors.Is(err, ledger.ErrInvalidAmount):
		return "Amount must be greater than 0 SOL."
	case errors.Is(err, ledger.ErrExecutionFailed):
		return "Error executing sale. Please try again."
	default:
		return genericError
	}
}

func buyPreviewMessage(q model.Quote, balance decimal.Decimal) string {
	return fmt.Sprintf("Token Information:\n"+
		"Symbol: %s\n"+
		"Price: $%s (%s SOL)\n"+
		"Market Cap: %s\n"+
		"Your Balance: %s SOL\n\n"+
		"Select amount to buy:",
		q.Symbol,
		q.PriceQuote.StringFixed(4),
		q.PriceBase.StringFixed(9),
		usdWhole(q.MarketCap),
		balance.StringFixed(3),
	)
}

func sellPreviewMessage(h ledger.Holding) string {
	return fmt.Sprintf("Position Information:\n"+
		"Quantity: %s\n"+
		"Entry: %s SOL\n"+
		"Current: $%s (%s SOL)\n"+
		"Value: %s SOL\n"+
		"P/L: %s SOL (%s%%)\n"+
		"Select amount to sell:",
		h.Quantity.StringFixed(9),
		h.EntryPriceBase.StringFixed(9),
		h.CurrentPriceQuote.StringFixed(4),
		h.CurrentPriceBase.StringFixed(9),
		h.CurrentValueBase.StringFixed(3),
		h.UnrealizedPnL.StringFixed(3),
		signed(h.UnrealizedPnLPercent),
	)
}

func buyResultMessage(r ledger.BuyResult) string {
	return fmt.Sprintf("Purchase successful!\n"+
		"Bought: %s tokens\n"+
		"Price: %s SOL\n"+
		"Total: %s SOL\n"+
		"Market Cap: %s\n"+
		"Balance: %s SOL",
		r.QuantityBought.StringFixed(9),
		r.UnitPrice.StringFixed(9),
		r.TotalSpent.StringFixed(3),
		usdWhole(r.MarketCap),
		r.Balance.StringFixed(3),
	)
}

func sellResultMessage(r ledger.SellResult) string {
	msg := fmt.Sprintf("Sell successful!\n"+
		"Sold: %s tokens (%s%%)\n"+
		"Price: %s SOL\n"+
		"Received: %s SOL\n"+
		"P/L: %s SOL (%s%%)",
		r.QuantitySold.StringFixed(9),
		r.Percent.String(),
		r.UnitPrice.StringFixed(9),
		r.BaseReceived.StringFixed(3),
		r.ProfitLoss.StringFixed(3),
		signed(r.ProfitLossPercent),
	)
	if r.Closed {
		msg += "\nPosition closed."
	}
	return msg
}

func portfolioMessage(s ledger.Summary) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Balance: %s SOL\n\nPositions:\n", s.BaseBalance.StringFixed(2))

	if len(s.Holdings) == 0 {
		sb.WriteString("No open positions")
		return sb.String()
	}

	for _, h := range s.Holdings {
		fmt.Fprintf(&sb, "*%s*:\n `%s`\n", escapeMarkdown(symbolOf(h)), h.Token)
		fmt.Fprintf(&sb, "  Quantity: %s\n", h.Quantity.StringFixed(4))
		fmt.Fprintf(&sb, "  Average Entry Price: %s SOL\n", h.EntryPriceBase.StringFixed(9))
		if !h.Priced {
			fmt.Fprintf(&sb, "  Current Price: unavailable (%s)\n\n", h.Unavailable)
			continue
		}
		fmt.Fprintf(&sb, "  Current Position Size: %s (%s SOL)\n",
			usd(h.CurrentValueQuote), h.CurrentValueBase.StringFixed(3))
		fmt.Fprintf(&sb, "  Current Price: $%s (%s SOL)\n",
			h.CurrentPriceQuote.StringFixed(6), h.CurrentPriceBase.StringFixed(9))
		fmt.Fprintf(&sb, "  Current Market Cap: %s\n", usdWhole(h.CurrentMarketCap))
		fmt.Fprintf(&sb, "  P/L: %s SOL (%s%%)\n\n", h.UnrealizedPnL.StringFixed(3), signed(h.UnrealizedPnLPercent))
	}

	fmt.Fprintf(&sb, "Total Value: %s SOL\nEquity: %s SOL", s.TotalValueBase.StringFixed(3), s.Equity.StringFixed(3))
	if n := len(s.Unpriced()); n > 0 {
		fmt.Fprintf(&sb, "\n_%d position(s) could not be priced and are excluded from totals._", n)
	}
	return sb.String()
}

func symbolOf(h ledger.Holding) string {
	if h.Symbol == "" {
		return "UNKNOWN"
	}
	return h.Symbol
}

// signed formats a percentage with an explicit sign and two decimals.
func signed(v decimal.Decimal) string {
	s := v.StringFixed(2)
	if !v.IsNegative() {
		s = "+" + s
	}
	return s
}

// usd renders v in dollars and cents.
func usd(v decimal.Decimal) string {
	cents := v.Shift(int32(money.GetCurrency(money.USD).Fraction)).Round(0)
	return money.New(cents.IntPart(), money.USD).Display()
}

// usdWhole renders v in whole dollars, for market caps.
func usdWhole(v decimal.Decimal) string {
	return wholeDollars.Format(v.Round(0).IntPart())
}

var wholeDollars = money.NewFormatter(0, ".", ",", "$", "$1")

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

func decimalOf(n int64) decimal.Decimal {
	return decimal.NewFromInt(n)
}
