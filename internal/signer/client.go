// Package signer talks to the custodial transaction signer, a sidecar that
// holds the treasury keypair and submits escrow transactions on-chain.
package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"stagegate/internal/domain"
	"stagegate/internal/engine"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// envelope is the signer's uniform response shape. Amounts travel as decimal
// strings since lamport values exceed JSON's safe integer range.
type envelope struct {
	Success              bool        `json:"success"`
	StreamID             string      `json:"streamId"`
	TransactionSignature string      `json:"transactionSignature"`
	Stream               *streamInfo `json:"stream"`
	Error                string      `json:"error"`
}

type streamInfo struct {
	ID              string `json:"id"`
	Recipient       string `json:"recipient"`
	DepositedAmount string `json:"depositedAmount"`
	WithdrawnAmount string `json:"withdrawnAmount"`
	Closed          bool   `json:"closed"`
	Status          string `json:"status"`
}

func (c *Client) Create(ctx context.Context, beneficiary string, lamports uint64) (engine.CreateResult, error) {
	var env envelope
	err := c.post(ctx, "/streams/create", map[string]any{
		"recipientPublicKey":  beneficiary,
		"totalAmountLamports": strconv.FormatUint(lamports, 10),
	}, &env)
	if err != nil {
		return engine.CreateResult{}, err
	}
	return engine.CreateResult{
		StreamID:     env.StreamID,
		TxSignature:  env.TransactionSignature,
		TotalLamport: lamports,
	}, nil
}

func (c *Client) Withdraw(ctx context.Context, streamID string, lamports uint64) (string, error) {
	var env envelope
	err := c.post(ctx, "/streams/withdraw", map[string]any{
		"streamId": streamID,
		"amount":   strconv.FormatUint(lamports, 10),
	}, &env)
	if err != nil {
		return "", err
	}
	return env.TransactionSignature, nil
}

func (c *Client) Cancel(ctx context.Context, streamID string) (string, error) {
	var env envelope
	err := c.post(ctx, "/streams/cancel", map[string]any{"streamId": streamID}, &env)
	if err != nil {
		return "", err
	}
	return env.TransactionSignature, nil
}

func (c *Client) Get(ctx context.Context, streamID string) (engine.OnChainInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/streams/"+url.PathEscape(streamID), nil)
	if err != nil {
		return engine.OnChainInfo{}, err
	}
	var env envelope
	if err := c.do(req, &env); err != nil {
		return engine.OnChainInfo{}, err
	}
	if env.Stream == nil {
		return engine.OnChainInfo{}, fmt.Errorf("signer returned no stream for %s", streamID)
	}
	deposited, _ := strconv.ParseUint(env.Stream.DepositedAmount, 10, 64)
	withdrawn, _ := strconv.ParseUint(env.Stream.WithdrawnAmount, 10, 64)
	return engine.OnChainInfo{
		StreamID:         env.Stream.ID,
		Recipient:        env.Stream.Recipient,
		DepositedLamport: deposited,
		WithdrawnLamport: withdrawn,
		Closed:           env.Stream.Closed,
		RawStatus:        env.Stream.Status,
		DepositedSOL:     float64(deposited) / domain.LamportsPerSOL,
		WithdrawnSOL:     float64(withdrawn) / domain.LamportsPerSOL,
	}, nil
}

// Health probes the signer; a non-200 or transport failure returns an error.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("signer health: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body map[string]any, out *envelope) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out *envelope) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("signer returned status %d: %w", resp.StatusCode, err)
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return fmt.Errorf("signer: %s", msg)
	}
	return nil
}
