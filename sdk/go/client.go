// Package stagegatesdk is a minimal client for the Stagegate HTTP API.
package stagegatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Stagegate HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. The verify-then-release round trip
// can take a while, so the default timeout is generous.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 90 * time.Second,
	}
}

// ReleaseInfo describes one stage payout.
type ReleaseInfo struct {
	Stage       int     `json:"stage"`
	Percentage  int     `json:"percentage"`
	AmountSol   float64 `json:"amountSol"`
	TxSignature string  `json:"txSignature"`
}

// Stream is the API stream model.
type Stream struct {
	StreamID          string  `json:"streamId"`
	Beneficiary       string  `json:"beneficiary"`
	Status            string  `json:"status"`
	CurrentStage      int     `json:"currentStage"`
	TotalAmountSol    float64 `json:"totalAmountSol"`
	ReleasedAmountSol float64 `json:"releasedAmountSol"`
	CreatedAt         string  `json:"createdAt"`
	UpdatedAt         string  `json:"updatedAt"`
}

// StartResult is the response to StartStream.
type StartResult struct {
	StreamID       string      `json:"streamId"`
	CurrentStage   int         `json:"currentStage"`
	Status         string      `json:"status"`
	TotalAmountSol float64     `json:"totalAmountSol"`
	InitialRelease ReleaseInfo `json:"initialRelease"`
}

// Verdict is the oracle's judgement of submitted evidence.
type Verdict struct {
	Passed      bool     `json:"passed"`
	Confidence  float64  `json:"confidence"`
	Matched     []string `json:"matchedCategories"`
	Missing     []string `json:"missingCategories"`
	Explanation string   `json:"explanation"`
}

// ProofResult is the response to SubmitProof.
type ProofResult struct {
	ProofID            string       `json:"proofId"`
	StreamID           string       `json:"streamId"`
	StageIndex         int          `json:"stageIndex"`
	Status             string       `json:"status"`
	VerificationResult Verdict      `json:"verificationResult"`
	NextStageRelease   *ReleaseInfo `json:"nextStageRelease,omitempty"`
}

// Stage is one tranche in a status response.
type Stage struct {
	Index       int     `json:"index"`
	Percentage  int     `json:"percentage"`
	AmountSol   float64 `json:"amountSol"`
	Status      string  `json:"status"`
	ReleasedAt  *string `json:"releasedAt,omitempty"`
	TxSignature *string `json:"txSignature,omitempty"`
}

// Status is the full stream read model.
type Status struct {
	Stream
	RemainingSol        float64 `json:"remainingSol"`
	ReleasedPercentage  int     `json:"releasedPercentage"`
	RemainingPercentage int     `json:"remainingPercentage"`
	IsCompleted         bool    `json:"isCompleted"`
	Stages              []Stage `json:"stages"`
}

// Lifecycle is the response to pause, resume, and cancel.
type Lifecycle struct {
	StreamID    string `json:"streamId"`
	Status      string `json:"status"`
	TxSignature string `json:"txSignature,omitempty"`
	ChainError  string `json:"chainError,omitempty"`
}

// Event is a ledger entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	StreamID   string `json:"streamId"`
	EntityKind string `json:"entityKind"`
	EntityID   string `json:"entityId"`
	Payload    string `json:"payloadJson"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// StartStream locks totalAmountSol in custody and releases the first stage.
func (c *Client) StartStream(ctx context.Context, beneficiary string, totalAmountSol float64) (StartResult, error) {
	body := map[string]any{
		"beneficiary":    beneficiary,
		"totalAmountSol": totalAmountSol,
	}
	var resp StartResult
	err := c.do(ctx, http.MethodPost, "streams/start", body, &resp)
	return resp, err
}

// SubmitProof submits evidence for the stage currently due.
func (c *Client) SubmitProof(ctx context.Context, streamID string, stageIndex int, fileURL string, categories []string) (ProofResult, error) {
	body := map[string]any{
		"streamId":   streamID,
		"stageIndex": stageIndex,
		"fileUrl":    fileURL,
	}
	if len(categories) > 0 {
		body["categories"] = categories
	}
	var resp ProofResult
	err := c.do(ctx, http.MethodPost, "streams/proof", body, &resp)
	return resp, err
}

// StreamStatus returns the full read model for one stream.
func (c *Client) StreamStatus(ctx context.Context, streamID string) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, c.streamPath(streamID, "status"), nil, &resp)
	return resp, err
}

// ListStreams returns all streams.
func (c *Client) ListStreams(ctx context.Context) ([]Stream, error) {
	var resp []Stream
	err := c.do(ctx, http.MethodGet, "streams", nil, &resp)
	return resp, err
}

// Pause pauses a stream.
func (c *Client) Pause(ctx context.Context, streamID string) (Lifecycle, error) {
	var resp Lifecycle
	err := c.do(ctx, http.MethodPost, c.streamPath(streamID, "pause"), nil, &resp)
	return resp, err
}

// Resume resumes a paused stream.
func (c *Client) Resume(ctx context.Context, streamID string) (Lifecycle, error) {
	var resp Lifecycle
	err := c.do(ctx, http.MethodPost, c.streamPath(streamID, "resume"), nil, &resp)
	return resp, err
}

// Cancel cancels a stream, stopping all future releases.
func (c *Client) Cancel(ctx context.Context, streamID string) (Lifecycle, error) {
	var resp Lifecycle
	err := c.do(ctx, http.MethodPost, c.streamPath(streamID, "cancel"), nil, &resp)
	return resp, err
}

// Events returns a stream's recent ledger entries.
func (c *Client) Events(ctx context.Context, streamID string, limit int) ([]Event, error) {
	endpoint := c.streamPath(streamID, "events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) streamPath(streamID, p string) string {
	return fmt.Sprintf("streams/%s/%s", url.PathEscape(streamID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
