package ingestion

import (
	"MarketLedger/internal/apperr"
	"MarketLedger/internal/chain"
	"MarketLedger/internal/core"
	"MarketLedger/internal/event"
	fpmath "MarketLedger/internal/math"
	"encoding/json"

	"github.com/google/uuid"
)

// Parser converts confirmation payloads into typed event.Confirmation values
// before they reach the engine. Deposit amounts arrive as decimal strings and
// are scaled with the precision of the chain's currency.
type Parser struct {
	chains *chain.Registry
	cfg    core.Config
}

func NewParser(chains *chain.Registry, cfg core.Config) *Parser {
	return &Parser{chains: chains, cfg: cfg}
}

// Parse decodes data as eventType.
func (p *Parser) Parse(eventType event.EventType, data []byte) (event.Confirmation, error) {
	switch eventType {
	case event.EventTypeTransferOutcome:
		return parseTransferOutcome(data)
	case event.EventTypeDepositObserved:
		return p.parseDepositObserved(data)
	case event.EventTypePayoutOutcome:
		return parsePayoutOutcome(data)
	default:
		return nil, apperr.New(apperr.ErrUnsupported, "confirmation type %s", eventType)
	}
}

// ParseEnvelope decodes env.Payload and checks the envelope key, when set,
// against the key derived from the payload.
func (p *Parser) ParseEnvelope(env event.EventEnvelope) (event.Confirmation, error) {
	c, err := p.Parse(env.EventType, env.Payload)
	if err != nil {
		return nil, err
	}
	if env.IdempotencyKey != "" && env.IdempotencyKey != c.IdempotencyKey() {
		return nil, apperr.New(apperr.ErrInvalidArgument, "envelope key %q does not match payload key %q", env.IdempotencyKey, c.IdempotencyKey())
	}
	return c, nil
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type transferOutcomeJSON struct {
	EscrowID string `json:"escrow_id"`
	Success  bool   `json:"success"`
	Reason   string `json:"reason"`
}

func parseTransferOutcome(data []byte) (*event.TransferOutcome, error) {
	var j transferOutcomeJSON
	if err := decode(data, &j, "transfer_outcome"); err != nil {
		return nil, err
	}
	escrowID, err := parseID(j.EscrowID, "escrow_id")
	if err != nil {
		return nil, err
	}
	return &event.TransferOutcome{EscrowID: escrowID, Success: j.Success, Reason: j.Reason}, nil
}

type depositObservedJSON struct {
	TxHash        string `json:"tx_hash"`
	UserID        string `json:"user_id"`
	WalletID      string `json:"wallet_id"`
	Blockchain    string `json:"blockchain"`
	Currency      string `json:"currency"`
	Amount        string `json:"amount"`       // Decimal string, e.g. "12.5"
	AmountMinor   int64  `json:"amount_minor"` // Alternative to amount
	Confirmations int    `json:"confirmations"`
}

func (p *Parser) parseDepositObserved(data []byte) (*event.DepositObserved, error) {
	var j depositObservedJSON
	if err := decode(data, &j, "deposit_observed"); err != nil {
		return nil, err
	}
	userID, err := parseID(j.UserID, "user_id")
	if err != nil {
		return nil, err
	}
	ch, err := p.chains.Get(j.Blockchain)
	if err != nil {
		return nil, err
	}

	amount := j.AmountMinor
	if j.Amount != "" {
		if j.AmountMinor != 0 {
			return nil, apperr.New(apperr.ErrInvalidArgument, "deposit_observed: set amount or amount_minor, not both")
		}
		dc, err := p.cfg.Precision(ch.Currency)
		if err != nil {
			return nil, err
		}
		if amount, err = fpmath.ParseAmount(j.Amount, dc); err != nil {
			return nil, apperr.Wrap(apperr.ErrInvalidAmount, err, "deposit_observed amount")
		}
	}

	return &event.DepositObserved{
		TxHash:        j.TxHash,
		UserID:        userID,
		WalletID:      j.WalletID,
		Blockchain:    ch.Name,
		Currency:      j.Currency,
		Amount:        amount,
		Confirmations: j.Confirmations,
	}, nil
}

type payoutOutcomeJSON struct {
	PaymentID string `json:"payment_id"`
	Success   bool   `json:"success"`
	TxHash    string `json:"tx_hash"`
	Reason    string `json:"reason"`
}

func parsePayoutOutcome(data []byte) (*event.PayoutOutcome, error) {
	var j payoutOutcomeJSON
	if err := decode(data, &j, "payout_outcome"); err != nil {
		return nil, err
	}
	paymentID, err := parseID(j.PaymentID, "payment_id")
	if err != nil {
		return nil, err
	}
	if j.Success && j.TxHash == "" {
		return nil, apperr.New(apperr.ErrInvalidArgument, "payout_outcome: success without tx_hash")
	}
	return &event.PayoutOutcome{PaymentID: paymentID, Success: j.Success, TxHash: j.TxHash, Reason: j.Reason}, nil
}

func decode(data []byte, v any, what string) error {
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Wrap(apperr.ErrInvalidArgument, err, "parse %s", what)
	}
	return nil
}

func parseID(s, field string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, apperr.Wrap(apperr.ErrInvalidArgument, err, "parse %s", field)
	}
	return id, nil
}
