package collab

import (
	"MarketLedger/internal/apperr"
	fpmath "MarketLedger/internal/math"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ClientConfig configures one collaborator endpoint.
type ClientConfig struct {
	BaseURL string
	// Secret signs request bodies (X-Signature); empty disables signing.
	Secret  string
	Timeout time.Duration
}

type httpClient struct {
	cfg    ClientConfig
	client *http.Client
	log    zerolog.Logger
}

func newHTTPClient(cfg ClientConfig, log zerolog.Logger) httpClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return httpClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

// do sends body as JSON and decodes a 2xx response into out. 404 maps to
// ErrNotFound; every other failure is ErrExternal.
func (c *httpClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Secret != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set("X-Timestamp", ts)
		req.Header.Set("X-Signature", sign(payload, ts, c.cfg.Secret))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.ErrExternal, err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperr.New(apperr.ErrNotFound, "%s %s", method, path)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		c.log.Warn().Str("path", path).Int("status", resp.StatusCode).Bytes("body", respBody).Msg("collaborator returned error")
		return apperr.New(apperr.ErrExternal, "%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return apperr.Wrap(apperr.ErrExternal, err, "decode %s response", path)
	}
	return nil
}

// sign is hex(HMAC-SHA256(secret, timestamp + "." + body)).
func sign(payload []byte, ts, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// === NFT registry ===

type HTTPNFTRegistry struct {
	httpClient
}

func NewHTTPNFTRegistry(cfg ClientConfig, log zerolog.Logger) *HTTPNFTRegistry {
	return &HTTPNFTRegistry{httpClient: newHTTPClient(cfg, log)}
}

type nftResponse struct {
	NFTID       string `json:"nft_id"`
	Owner       string `json:"owner_id"`
	Creator     string `json:"creator_id"`
	RoyaltyRate string `json:"royalty_rate"` // decimal fraction, "0.05"
}

func (r *HTTPNFTRegistry) Lookup(ctx context.Context, nftID string) (NFTInfo, error) {
	var resp nftResponse
	if err := r.do(ctx, http.MethodGet, "/v1/nfts/"+url.PathEscape(nftID), nil, &resp); err != nil {
		return NFTInfo{}, err
	}

	owner, err := uuid.Parse(resp.Owner)
	if err != nil {
		return NFTInfo{}, apperr.Wrap(apperr.ErrExternal, err, "nft %s owner", nftID)
	}
	// A creator-less NFT earns no royalty.
	creator := owner
	if resp.Creator != "" {
		if creator, err = uuid.Parse(resp.Creator); err != nil {
			return NFTInfo{}, apperr.Wrap(apperr.ErrExternal, err, "nft %s creator", nftID)
		}
	}
	var rate int64
	if resp.RoyaltyRate != "" {
		if rate, err = fpmath.ParseRate(resp.RoyaltyRate); err != nil {
			return NFTInfo{}, apperr.Wrap(apperr.ErrExternal, err, "nft %s royalty rate", nftID)
		}
	}
	return NFTInfo{NFTID: nftID, Owner: owner, Creator: creator, RoyaltyRate: rate}, nil
}

type transferRequest struct {
	From      string `json:"from_user_id"`
	To        string `json:"to_user_id"`
	Reference string `json:"reference"`
}

type transferResponse struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

func (r *HTTPNFTRegistry) Transfer(ctx context.Context, nftID string, from, to uuid.UUID, reference string) error {
	var resp transferResponse
	err := r.do(ctx, http.MethodPost, "/v1/nfts/"+url.PathEscape(nftID)+"/transfer", transferRequest{
		From: from.String(), To: to.String(), Reference: reference,
	}, &resp)
	if err != nil {
		return err
	}
	if !resp.Success {
		return apperr.New(apperr.ErrExternal, "transfer of %s refused: %s", nftID, resp.Reason)
	}
	return nil
}

// === Payout executor ===

type HTTPPayoutExecutor struct {
	httpClient
}

func NewHTTPPayoutExecutor(cfg ClientConfig, log zerolog.Logger) *HTTPPayoutExecutor {
	return &HTTPPayoutExecutor{httpClient: newHTTPClient(cfg, log)}
}

type payoutBody struct {
	PaymentID   string `json:"payment_id"`
	Blockchain  string `json:"blockchain"`
	Currency    string `json:"currency"`
	Destination string `json:"destination"`
	AmountMinor int64  `json:"amount_minor"`
}

type payoutResponse struct {
	Success bool   `json:"success"`
	TxHash  string `json:"tx_hash"`
	Reason  string `json:"reason,omitempty"`
}

func (p *HTTPPayoutExecutor) Execute(ctx context.Context, req PayoutRequest) (string, error) {
	var out payoutResponse
	err := p.do(ctx, http.MethodPost, "/v1/payouts", payoutBody{
		PaymentID:   req.PaymentID.String(),
		Blockchain:  req.Blockchain,
		Currency:    req.Currency,
		Destination: req.Destination,
		AmountMinor: req.Amount,
	}, &out)
	if err != nil {
		return "", err
	}
	if !out.Success {
		return "", apperr.New(apperr.ErrExternal, "payout %s refused: %s", req.PaymentID, out.Reason)
	}
	if out.TxHash == "" {
		return "", apperr.New(apperr.ErrExternal, "payout %s succeeded without a tx hash", req.PaymentID)
	}
	return out.TxHash, nil
}
