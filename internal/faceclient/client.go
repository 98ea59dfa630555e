package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Match is the best candidate returned by the face service.
type Match struct {
	StudentID string  `json:"studentId"`
	Score     float64 `json:"score"`
}

// Client calls the external face matching microservice. The matching
// computation stays external; callers only consume the returned score.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. Skip short-circuits matching for dev setups
// without the service.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // face processing can take time
		},
	}
}

// Verify submits an embedding and returns the best match, or nil when
// the service found no candidate.
func (c *Client) Verify(ctx context.Context, embedding []float64) (*Match, error) {
	if c.Skip {
		return &Match{StudentID: "dev-student", Score: 0.95}, nil
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("embedding required")
	}

	body, _ := json.Marshal(map[string]any{"embedding": embedding})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("face service returned %d", resp.StatusCode)
	}

	var out struct {
		OK        bool   `json:"ok"`
		BestMatch *Match `json:"bestMatch"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode face service response: %w", err)
	}
	if !out.OK || out.BestMatch == nil || out.BestMatch.StudentID == "" {
		return nil, nil
	}
	return out.BestMatch, nil
}

// Health pings the service.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
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
		return fmt.Errorf("face service unhealthy: %d", resp.StatusCode)
	}
	return nil
}
