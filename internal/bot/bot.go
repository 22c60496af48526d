// Package bot is the Telegram front-end: it collects user commands,
// forwards them to the engine and renders terminal outcomes as text. It
// contains no decision logic of its own.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mystworks/presale/internal/engine"
)

type Bot struct {
	api        *tgbotapi.BotAPI
	engine     *engine.Engine
	autoPayout bool
	log        *logrus.Entry
}

func New(token string, e *engine.Engine, autoPayout bool) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	return &Bot{
		api:        api,
		engine:     e,
		autoPayout: autoPayout,
		log:        logrus.WithField("component", "bot"),
	}, nil
}

// Run long-polls for updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	updates := b.api.GetUpdatesChan(cfg)

	b.log.WithField("username", b.api.Self.UserName).Info("bot polling started")
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	args := strings.Fields(msg.CommandArguments())

	var reply string
	switch msg.Command() {
	case "start":
		reply = b.startText()
	case "wallet":
		reply = fmt.Sprintf("Collection wallet:\n%s", b.engine.CollectionAddress())
	case "price":
		q := b.engine.Params().Quote(oneCoin())
		reply = fmt.Sprintf("1 coin = %s tokens (+%s bonus) = %s tokens total",
			q.Base, q.Bonus, q.Total)
	case "status":
		if len(args) < 1 {
			reply = "Usage: /status <txhash>"
			break
		}
		reply = b.status(ctx, args[0])
	case "submit":
		if len(args) < 2 {
			reply = "Usage: /submit <txhash> <yourWallet>"
			break
		}
		reply = b.submit(ctx, args[0], args[1])
	default:
		reply = "Unknown command. Try /start."
	}

	if _, err := b.api.Send(tgbotapi.NewMessage(msg.Chat.ID, reply)); err != nil {
		b.log.WithError(err).Warn("send reply failed")
	}
}

func (b *Bot) startText() string {
	p := b.engine.Params()
	return fmt.Sprintf(
		"Presale is live.\n\n"+
			"Send your contribution to:\n%s\n\n"+
			"Rate: 1 coin = %s tokens\n"+
			"Bonus: +%d bps\n"+
			"Min: %s  Max: %s\n\n"+
			"Then run /submit <txhash> <yourWallet> to receive tokens.\n"+
			"Commands: /wallet /price /status <txhash>",
		b.engine.CollectionAddress(), p.Rate, p.BonusBps, p.MinDeposit, p.MaxDeposit)
}

func (b *Bot) status(ctx context.Context, ref string) string {
	quote, tx, err := b.engine.CheckStatus(ctx, ref)
	if err != nil {
		return renderError(err)
	}
	return fmt.Sprintf(
		"Deposit verified.\nFrom: %s\nAmount: %s coin\n\nEntitlement:\nBase: %s\nBonus: %s\nTotal: %s tokens\n\nPreview only, no payout executed.",
		tx.From, quote.Deposit, quote.Base, quote.Bonus, quote.Total)
}

func (b *Bot) submit(ctx context.Context, ref, wallet string) string {
	if !b.autoPayout {
		return b.status(ctx, ref) + "\n\nAutomatic payout is disabled; your claim has been noted."
	}

	quote, payoutTx, err := b.engine.SubmitClaim(ctx, ref, wallet)
	if err != nil {
		return renderError(err)
	}
	return fmt.Sprintf(
		"Payout sent.\nTokens: %s\nWallet: %s\nTx: %s",
		quote.Total, wallet, payoutTx)
}

// renderError maps engine outcomes to user-facing text. Rejections carry
// actionable retry hints; disbursement failures point at support.
func renderError(err error) string {
	var rej *engine.Rejection
	if errors.As(err, &rej) {
		switch rej.Code {
		case engine.RejectMalformedReference:
			return "That doesn't look like a transaction hash (expected 0x + 64 hex characters)."
		case engine.RejectInvalidWallet:
			return "That wallet address is not valid."
		case engine.RejectAlreadyPaid:
			return "This transaction was already paid out. No new payout executed."
		case engine.RejectNotFoundYet:
			return "Transaction not found on chain yet. Try again in 30-60 seconds."
		case engine.RejectNotConfirmedYet:
			return "Transaction exists but is not confirmed yet. Try again shortly."
		case engine.RejectTransactionFailed:
			return "That transaction failed on chain; it cannot be claimed."
		case engine.RejectWrongDestination:
			return "That transaction was not sent to the official collection wallet."
		case engine.RejectAmountOutOfRange:
			return fmt.Sprintf("Deposit amount out of bounds (%s).", rej.Detail)
		case engine.RejectGatewayError:
			return "Chain node error while verifying; please try again."
		}
	}

	var dis *engine.DisburseError
	if errors.As(err, &dis) {
		switch dis.Code {
		case engine.DisbursePayoutTooLarge:
			return "This payout exceeds the per-transfer limit. Contact support."
		case engine.DisburseDailyCapReached:
			return "The daily payout cap has been reached. Try again tomorrow."
		case engine.DisburseInsufficientTreasury:
			return "The treasury is temporarily short of tokens. Contact support."
		case engine.DisburseBroadcastError:
			return "Payout broadcast failed; nothing was paid. Please retry."
		}
	}

	return "Something went wrong; please try again later."
}

func oneCoin() decimal.Decimal {
	return decimal.NewFromInt(1)
}
