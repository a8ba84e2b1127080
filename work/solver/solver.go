// Package solver talks to an external challenge-solver service. Some embed
// hosts sit behind interactive anti-bot walls the headless browser cannot
// pass on its own; the solver runs the challenge in a full browser farm and
// hands back the clearance cookies and the user agent they are bound to.
package solver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/eribbey/redcarrd/work/config"
	"github.com/eribbey/redcarrd/work/logger"
	"github.com/eribbey/redcarrd/work/types"
	"github.com/eribbey/redcarrd/work/utils"
)

// solveTimeout bounds one solve round trip. Challenges routinely take tens
// of seconds; the service enforces its own cap via maxTimeout.
const solveTimeout = 90 * time.Second

// Result carries what a solved challenge yields: the clearance cookie set
// and the user agent the clearance is tied to. Upstream requests must send
// both together or the clearance is rejected.
type Result struct {
	Cookies   []types.Cookie
	UserAgent string
}

// Client is a challenge-solver API client. The zero endpoint disables it.
type Client struct {
	cfg  *config.Config
	http *http.Client
}

// New creates a solver client from the configured endpoint.
func New(cfg *config.Config) *Client {
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: solveTimeout,
		},
	}
}

// Enabled reports whether a solver endpoint is configured.
func (c *Client) Enabled() bool {
	return c.cfg.SolverURL != ""
}

// solveRequest is the service's command envelope.
type solveRequest struct {
	Cmd        string `json:"cmd"`
	URL        string `json:"url"`
	MaxTimeout int    `json:"maxTimeout"`
}

// solveResponse is the service's reply envelope. Only the fields the
// resolver consumes are decoded.
type solveResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Solution struct {
		Status    int    `json:"status"`
		UserAgent string `json:"userAgent"`
		Cookies   []struct {
			Name   string `json:"name"`
			Value  string `json:"value"`
			Domain string `json:"domain"`
			Path   string `json:"path"`
		} `json:"cookies"`
	} `json:"solution"`
}

// Solve asks the service to clear the challenge guarding targetURL.
//
// Parameters:
//   - ctx: bounds the round trip
//   - targetURL: the page behind the challenge
//
// Returns:
//   - *Result: clearance cookies and their bound user agent
//   - error: when the solver is unreachable or reports failure
func (c *Client) Solve(ctx context.Context, targetURL string) (*Result, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("no solver endpoint configured")
	}

	payload, err := json.Marshal(solveRequest{
		Cmd:        "request.get",
		URL:        targetURL,
		MaxTimeout: int(solveTimeout / time.Millisecond),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode solve request: %w", err)
	}

	logger.Debug("{solver/solver - Solve} requesting clearance for %s", utils.LogURL(c.cfg, targetURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.SolverURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build solve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("solver unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("solver returned HTTP %d", resp.StatusCode)
	}

	var decoded solveResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode solver response: %w", err)
	}
	if decoded.Status != "ok" {
		return nil, fmt.Errorf("solver rejected the challenge: %s", decoded.Message)
	}

	result := &Result{UserAgent: decoded.Solution.UserAgent}
	for _, ck := range decoded.Solution.Cookies {
		result.Cookies = append(result.Cookies, types.Cookie{
			Name:   ck.Name,
			Value:  ck.Value,
			Domain: ck.Domain,
			Path:   ck.Path,
		})
	}

	logger.Info("{solver/solver - Solve} clearance obtained for %s (%d cookies)", utils.LogURL(c.cfg, targetURL), len(result.Cookies))
	return result, nil
}
