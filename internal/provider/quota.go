package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// quotaPath is the external interface §6 names: "A quota endpoint
// (GET /coding_plan/remains)".
const quotaPath = "/coding_plan/remains"

// ModelRemain is one model's usage window as reported by the quota
// endpoint.
type ModelRemain struct {
	CurrentIntervalTotalCount int   `json:"current_interval_total_count"`
	CurrentIntervalUsageCount int   `json:"current_interval_usage_count"`
	RemainsTimeMS             int64 `json:"remains_time-ms"`
}

// QuotaStatus is the §6 quota-endpoint response shape.
type QuotaStatus struct {
	ModelRemains []ModelRemain `json:"model_remains"`
}

// FetchQuota polls the quota endpoint once. It is meant to be called from a
// best-effort background poller outside the core Conversation Loop (§12),
// never from within a turn.
func (c *Client) FetchQuota(ctx context.Context) (*QuotaStatus, error) {
	u, err := quotaURL(c.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("derive quota url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build quota request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("quota request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quota request: status %d", resp.StatusCode)
	}

	var status QuotaStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode quota response: %w", err)
	}
	return &status, nil
}

// quotaURL replaces the chat endpoint's path with the quota endpoint's,
// keeping scheme and host.
func quotaURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	u.Path = quotaPath
	u.RawQuery = ""
	return u.String(), nil
}
