// Package verify talks to the document verification oracle.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

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

type verifyRequest struct {
	CampaignID string   `json:"campaignId"`
	FileURL    string   `json:"fileUrl"`
	Categories []string `json:"categories"`
}

type verifyResponse struct {
	Passed      bool     `json:"passed"`
	Confidence  float64  `json:"confidence"`
	Matched     []string `json:"matched_categories"`
	Missing     []string `json:"missing_categories"`
	Explanation string   `json:"explanation"`
}

// Verify asks the oracle for a verdict on the evidence. The oracle is
// untrusted: transport failures, non-200s, and unparseable bodies all come
// back as a failed verdict with zero confidence, never as an error.
func (c *Client) Verify(ctx context.Context, streamID, fileURL string, categories []string) (engine.Verdict, error) {
	failed := func(reason string) engine.Verdict {
		return engine.Verdict{Missing: categories, Explanation: reason}
	}

	body, err := json.Marshal(verifyRequest{CampaignID: streamID, FileURL: fileURL, Categories: categories})
	if err != nil {
		return failed(fmt.Sprintf("encode request: %v", err)), nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return failed(fmt.Sprintf("build request: %v", err)), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return failed(fmt.Sprintf("verifier unreachable: %v", err)), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return failed(fmt.Sprintf("verifier returned status %d", resp.StatusCode)), nil
	}
	var out verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return failed(fmt.Sprintf("verifier response unparseable: %v", err)), nil
	}
	return engine.Verdict{
		Passed:      out.Passed,
		Confidence:  out.Confidence,
		Matched:     out.Matched,
		Missing:     out.Missing,
		Explanation: out.Explanation,
	}, nil
}

// Health probes the verifier.
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
		return fmt.Errorf("verifier health: status %d", resp.StatusCode)
	}
	return nil
}
