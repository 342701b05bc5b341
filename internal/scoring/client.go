package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Request carries the aggregated financials and loan terms to the scoring
// engine.
type Request struct {
	ApplicantID  string            `json:"applicant_id"`
	LoanAmount   int64             `json:"loan_amount"`
	TenorMonths  int               `json:"tenor_months"`
	InterestRate float64           `json:"interest_rate"`
	Accounts     []json.RawMessage `json:"accounts"`
}

// Result is the scoring engine's verdict. Decision is opaque to the pipeline.
type Result struct {
	Score    float64         `json:"score"`
	Decision json.RawMessage `json:"decision"`
}

// Client calls the external scoring engine over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Analyze submits the applicant's financials and returns the score/decision.
func (c *Client) Analyze(ctx context.Context, req Request) (Result, error) {
	buf, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshal scoring request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(buf))
	if err != nil {
		return Result{}, fmt.Errorf("build scoring request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("scoring request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read scoring response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, fmt.Errorf("scoring engine: status %d", resp.StatusCode)
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return Result{}, fmt.Errorf("decode scoring response: %w", err)
	}
	return result, nil
}
