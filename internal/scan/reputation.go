package scan

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// TransportError indicates the reputation service could not be reached or
// returned a service-level failure. It triggers heuristic fallback and is
// never surfaced as a scan verdict by itself.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("reputation service unavailable: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Report is the reputation service's analysis summary for one digest.
// Found is false when the digest is unknown to the service, which is a
// legitimate lookup outcome, not a failure.
type Report struct {
	Found      bool
	Malicious  int
	Suspicious int
	Harmless   int
	Undetected int
}

// Total returns the number of engines that analyzed the file.
func (r *Report) Total() int {
	return r.Malicious + r.Suspicious + r.Harmless + r.Undetected
}

// ReputationInterface abstracts the reputation client for testing.
type ReputationInterface interface {
	Lookup(digest string) (*Report, error)
}

// ReputationClient looks up file digests against a remote reputation
// service. Only the digest is transmitted, never the file's bytes.
type ReputationClient struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewReputationClient creates a client for the given service base URL.
func NewReputationClient(baseURL, apiKey string, timeout time.Duration) *ReputationClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ReputationClient{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

// Lookup queries the service for a hex digest. A 404 yields a Report with
// Found=false; connection failures, timeouts, and non-2xx responses other
// than 404 yield a *TransportError.
func (c *ReputationClient) Lookup(digest string) (*Report, error) {
	if c.apiKey == "" {
		return nil, &TransportError{Err: errors.New("reputation API key not configured")}
	}

	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/files/"+digest, nil)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	req.Header.Set("x-apikey", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &Report{Found: false}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	var body struct {
		Data struct {
			Attributes struct {
				LastAnalysisStats struct {
					Malicious  int `json:"malicious"`
					Suspicious int `json:"suspicious"`
					Harmless   int `json:"harmless"`
					Undetected int `json:"undetected"`
				} `json:"last_analysis_stats"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &TransportError{Err: fmt.Errorf("malformed response: %w", err)}
	}

	stats := body.Data.Attributes.LastAnalysisStats
	return &Report{
		Found:      true,
		Malicious:  stats.Malicious,
		Suspicious: stats.Suspicious,
		Harmless:   stats.Harmless,
		Undetected: stats.Undetected,
	}, nil
}
