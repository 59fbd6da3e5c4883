// Package telegram exposes the paper ledger as a Telegram bot.
//
// Commands open and reset accounts and show the portfolio; /buy and /sell
// show a price preview with an inline keyboard whose buttons carry
// action-encoded callback data.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tb "gopkg.in/tucnak/telebot.v2"

	"github.com/SavageCabbagee/paper/internal/action"
	"github.com/SavageCabbagee/paper/internal/ledger"
)

const (
	pollingTimeout = 10 * time.Second
	handlerTimeout = 30 * time.Second
)

var (
	buyPresets     = []int64{1, 3, 5}
	percentPresets = []int64{25, 50, 75, 100}
)

// messenger is the part of *tb.Bot the handlers use.
type messenger interface {
	Send(to tb.Recipient, what interface{}, options ...interface{}) (*tb.Message, error)
	Respond(c *tb.Callback, resp ...*tb.CallbackResponse) error
}

// Bot serves ledger commands over Telegram.
type Bot struct {
	engine *ledger.Engine
	client messenger
	bot    *tb.Bot
	log    *slog.Logger
}

// New connects to Telegram with token and registers every handler.
func New(token string, engine *ledger.Engine, log *slog.Logger) (*Bot, error) {
	client, err := tb.NewBot(tb.Settings{
		Token:  token,
		Poller: &tb.LongPoller{Timeout: pollingTimeout},
		Reporter: func(err error) {
			log.Error("telegram poller error", "err", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	b := newBot(client, engine, log)
	b.bot = client
	if err := setupCommands(client); err != nil {
		return nil, fmt.Errorf("failed to set commands: %w", err)
	}
	registerHandlers(client, b)
	return b, nil
}

func newBot(client messenger, engine *ledger.Engine, log *slog.Logger) *Bot {
	return &Bot{engine: engine, client: client, log: log}
}

func setupCommands(client *tb.Bot) error {
	return client.SetCommands([]tb.Command{
		{Text: "start", Description: "Create your paper trading account"},
		{Text: "buy", Description: "Buy a token: /buy <token_address>"},
		{Text: "sell", Description: "Sell a position: /sell <token_address>"},
		{Text: "portfolio", Description: "View your current portfolio"},
		{Text: "reload", Description: "Reset account: /reload <amount>"},
		{Text: "help", Description: "Show help"},
	})
}

func registerHandlers(client *tb.Bot, b *Bot) {
	client.Handle("/start", b.StartHandle)
	client.Handle("/reload", b.ReloadHandle)
	client.Handle("/portfolio", b.PortfolioHandle)
	client.Handle("/help", b.HelpHandle)
	client.Handle("/buy", b.BuyHandle)
	client.Handle("/sell", b.SellHandle)
	client.Handle(tb.OnCallback, b.CallbackHandle)
}

// Run polls for updates until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	if b.bot == nil {
		return errors.New("telegram: bot not connected")
	}
	go b.bot.Start()
	b.log.Info("telegram bot polling", "username", b.bot.Me.Username)
	<-ctx.Done()
	b.bot.Stop()
	return nil
}

// Command handlers
// ---------------

// StartHandle opens an account on first contact.
func (b *Bot) StartHandle(m *tb.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	acct, created, err := b.engine.OpenOrCreateAccount(ctx, m.Sender.ID)
	if err != nil {
		b.fail(m.Chat, "start", err)
		return
	}
	if !created {
		b.send(m.Chat, "You already have an account. Use /portfolio to view your positions or "+
			"/reload <amount> to reset your account with a new balance.")
		return
	}
	b.send(m.Chat, welcomeMessage(acct.BaseBalance))
}

// ReloadHandle resets the account to the given balance.
func (b *Bot) ReloadHandle(m *tb.Message) {
	args := strings.Fields(m.Payload)
	if len(args) != 1 {
		b.send(m.Chat, "Please provide the amount of SOL to reload.\nUsage: /reload <amount>")
		return
	}
	amount, err := action.ParseAmount(args[0])
	if err != nil {
		b.send(m.Chat, "Invalid amount provided. Balance must be a number greater than 0 SOL.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	acct, err := b.engine.ResetAccount(ctx, m.Sender.ID, amount)
	if err != nil {
		b.fail(m.Chat, "reload", err)
		return
	}
	b.send(m.Chat, fmt.Sprintf("Account reset successfully!\nNew balance: %s SOL", acct.BaseBalance.StringFixed(3)))
}

// PortfolioHandle shows balance and valued holdings.
func (b *Bot) PortfolioHandle(m *tb.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	summary, err := b.engine.Summarize(ctx, m.Sender.ID)
	if err != nil {
		b.fail(m.Chat, "portfolio", err)
		return
	}
	b.send(m.Chat, portfolioMessage(summary), tb.ModeMarkdown)
}

// HelpHandle lists the commands.
func (b *Bot) HelpHandle(m *tb.Message) {
	b.send(m.Chat, helpMessage)
}

// BuyHandle previews a token and offers buy amounts.
func (b *Bot) BuyHandle(m *tb.Message) {
	token, ok := b.tokenArg(m, "/buy")
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	acct, err := b.engine.Account(ctx, m.Sender.ID)
	if err != nil {
		b.fail(m.Chat, "buy preview", err)
		return
	}
	q, err := b.engine.Quote(ctx, token)
	if err != nil {
		b.send(m.Chat, "Unable to fetch token information. Please verify the token address.")
		return
	}
	b.send(m.Chat, buyPreviewMessage(q, acct.BaseBalance), buyKeyboard(token))
}

// SellHandle previews a position and offers sell percentages.
func (b *Bot) SellHandle(m *tb.Message) {
	token, ok := b.tokenArg(m, "/sell")
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	h, err := b.engine.Valuate(ctx, m.Sender.ID, token)
	if err != nil {
		b.fail(m.Chat, "sell preview", err)
		return
	}
	b.send(m.Chat, sellPreviewMessage(h), sellKeyboard(token))
}

// CallbackHandle executes a keyboard press.
func (b *Bot) CallbackHandle(c *tb.Callback) {
	if err := b.client.Respond(c); err != nil {
		b.log.Warn("callback answer failed", "err", err)
	}

	var to tb.Recipient = c.Sender
	if c.Message != nil && c.Message.Chat != nil {
		to = c.Message.Chat
	}

	act, err := action.ParseCallback(strings.TrimSpace(c.Data))
	if err != nil {
		b.log.Warn("bad callback data", "user", c.Sender.ID, "data", c.Data, "err", err)
		b.send(to, "Error processing transaction: invalid selection.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	switch act.Side {
	case action.Buy:
		acct, err := b.engine.Account(ctx, c.Sender.ID)
		if err != nil {
			b.fail(to, "buy", err)
			return
		}
		res, err := b.engine.ExecuteBuy(ctx, c.Sender.ID, act.Token, act.BaseAmount(acct.BaseBalance))
		if err != nil {
			b.fail(to, "buy", err)
			return
		}
		b.send(to, buyResultMessage(res))

	case action.Sell:
		b.send(to, "Processing transaction...")
		res, err := b.engine.ExecuteSell(ctx, c.Sender.ID, act.Token, act.Value)
		if err != nil {
			b.fail(to, "sell", err)
			return
		}
		b.send(to, sellResultMessage(res))
	}
}

// Helper methods
// -------------

func (b *Bot) tokenArg(m *tb.Message, command string) (string, bool) {
	args := strings.Fields(m.Payload)
	if len(args) != 1 {
		b.send(m.Chat, fmt.Sprintf("Please provide the token address.\nUsage: %s <token_address>", command))
		return "", false
	}
	token, err := action.ParseToken(args[0])
	if err != nil {
		b.send(m.Chat, "That does not look like a token address.")
		return "", false
	}
	return token, true
}

func (b *Bot) send(to tb.Recipient, text string, options ...interface{}) {
	if _, err := b.client.Send(to, text, options...); err != nil {
		b.log.Error("failed to send message", "to", to.Recipient(), "err", err)
	}
}

// fail reports err to the user. Only unexpected errors are logged; the
// ledger already logs its own store failures.
func (b *Bot) fail(to tb.Recipient, op string, err error) {
	msg := errorMessage(err)
	if msg == genericError {
		b.log.Error(op+" failed", "to", to.Recipient(), "err", err)
	}
	b.send(to, msg)
}

func buyKeyboard(token string) *tb.ReplyMarkup {
	fixed := make([]tb.InlineButton, 0, len(buyPresets))
	for _, n := range buyPresets {
		fixed = append(fixed, tb.InlineButton{
			Text: strconv.FormatInt(n, 10) + " SOL",
			Data: action.Action{Side: action.Buy, Token: token, Mode: action.Fixed, Value: decimalOf(n)}.Data(),
		})
	}
	return &tb.ReplyMarkup{InlineKeyboard: [][]tb.InlineButton{fixed, percentRow(action.Buy, token)}}
}

func sellKeyboard(token string) *tb.ReplyMarkup {
	return &tb.ReplyMarkup{InlineKeyboard: [][]tb.InlineButton{percentRow(action.Sell, token)}}
}

func percentRow(side, token string) []tb.InlineButton {
	row := make([]tb.InlineButton, 0, len(percentPresets))
	for _, n := range percentPresets {
		row = append(row, tb.InlineButton{
			Text: strconv.FormatInt(n, 10) + "%",
			Data: action.Action{Side: side, Token: token, Mode: action.Percent, Value: decimalOf(n)}.Data(),
		})
	}
	return row
}
