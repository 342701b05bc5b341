package provider

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

// Client talks to the external bank-data enrichment provider. Every call is
// authenticated with the owning fintech's provider API key and bounded by the
// client timeout.
type Client struct {
	baseURL string
	http    *http.Client
}

// JobStatus is the provider's answer to a poll. Anything outside the
// successful/failed vocabularies means the job is still running.
type JobStatus struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

// Succeeded reports an authoritative successful completion.
func (s JobStatus) Succeeded() bool {
	v := strings.ToLower(s.Status)
	return v == "successful" || v == "success"
}

// Failed reports an authoritative provider-side failure.
func (s JobStatus) Failed() bool {
	v := strings.ToLower(s.Status)
	return v == "failed" || v == "error"
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// TriggerIncome starts the asynchronous income analysis. Its result arrives
// later as a push webhook, not on this call.
func (c *Client) TriggerIncome(ctx context.Context, accountID, apiKey string) error {
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/accounts/%s/income", accountID), apiKey, nil)
	return err
}

// SubmitInsightsJob starts the asynchronous statement-insights job and
// returns the job handle to poll.
func (c *Client) SubmitInsightsJob(ctx context.Context, accountID, apiKey string) (string, error) {
	body, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/accounts/%s/statement-insights", accountID), apiKey, nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		Data struct {
			JobID string `json:"job_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode insights job response: %w", err)
	}
	if resp.Data.JobID == "" {
		return "", fmt.Errorf("provider returned no insights job id")
	}
	return resp.Data.JobID, nil
}

// PollInsightsJob asks whether a submitted insights job has finished.
func (c *Client) PollInsightsJob(ctx context.Context, jobID, apiKey string) (JobStatus, error) {
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/enrichments/jobs/%s", jobID), apiKey, nil)
	if err != nil {
		return JobStatus{}, err
	}
	var resp struct {
		Data JobStatus `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return JobStatus{}, fmt.Errorf("decode poll response: %w", err)
	}
	if resp.Data.Status == "" {
		// Some provider endpoints return the record at the top level.
		var flat JobStatus
		if err := json.Unmarshal(body, &flat); err == nil && flat.Status != "" {
			return flat, nil
		}
	}
	return resp.Data, nil
}

// Snapshot endpoints fetched synchronously at link time and again during
// scoring aggregation.

func (c *Client) AccountDetails(ctx context.Context, accountID, apiKey string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, fmt.Sprintf("/accounts/%s", accountID), apiKey, nil)
}

func (c *Client) Balance(ctx context.Context, accountID, apiKey string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, fmt.Sprintf("/accounts/%s/balance", accountID), apiKey, nil)
}

func (c *Client) Transactions(ctx context.Context, accountID, apiKey string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, fmt.Sprintf("/accounts/%s/transactions", accountID), apiKey, nil)
}

func (c *Client) Identity(ctx context.Context, accountID, apiKey string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, fmt.Sprintf("/accounts/%s/identity", accountID), apiKey, nil)
}

func (c *Client) Income(ctx context.Context, accountID, apiKey string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, fmt.Sprintf("/accounts/%s/income", accountID), apiKey, nil)
}

func (c *Client) StatementInsights(ctx context.Context, accountID, apiKey string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, fmt.Sprintf("/accounts/%s/statement-insights", accountID), apiKey, nil)
}

func (c *Client) Credits(ctx context.Context, accountID, apiKey string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, fmt.Sprintf("/accounts/%s/credits", accountID), apiKey, nil)
}

func (c *Client) Debits(ctx context.Context, accountID, apiKey string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, fmt.Sprintf("/accounts/%s/debits", accountID), apiKey, nil)
}

func (c *Client) do(ctx context.Context, method, path, apiKey string, payload any) (json.RawMessage, error) {
	var reqBody io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("x-provider-key", apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("provider %s %s: status %d", method, path, resp.StatusCode)
	}
	return body, nil
}
