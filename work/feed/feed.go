// Package feed loads the live-event schedule the rebuild loop reconciles
// against. Two sources are supported: an HTTP JSON feed and a local JSON
// file. A configured file wins over the URL so operators can pin a schedule
// while an upstream feed is down.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/eribbey/redcarrd/work/client"
	"github.com/eribbey/redcarrd/work/config"
	"github.com/eribbey/redcarrd/work/logger"
	"github.com/eribbey/redcarrd/work/types"
	"github.com/eribbey/redcarrd/work/utils"
)

// maxFeedBytes bounds how much of a feed document is read. Schedules are
// small; anything past this is a misconfigured URL.
const maxFeedBytes = 16 << 20

// feedEvent maps a single schedule entry from the feed document. StartTime
// is RFC 3339; entries without one are treated as already live.
type feedEvent struct {
	Title     string       `json:"title"`
	Category  string       `json:"category"`
	EmbedURL  string       `json:"embedUrl"`
	StartTime string       `json:"startTime,omitempty"`
	Sources   []feedSource `json:"sources,omitempty"`
}

// feedSource is an alternate embed for the same event.
type feedSource struct {
	Label    string `json:"label"`
	EmbedURL string `json:"embedUrl"`
}

// feedDocument is the wrapped form of a feed; a bare top-level array is
// also accepted since hand-written schedule files tend to skip the wrapper.
type feedDocument struct {
	Events []feedEvent `json:"events"`
}

// Provider loads events from the configured feed source.
type Provider struct {
	cfg    *config.Config
	client *client.HeaderSettingClient
}

// New creates an event provider.
//
// Parameters:
//   - cfg: application configuration carrying FeedFile/FeedURL
//   - httpClient: shared HTTP client used for feed URL fetches
//
// Returns:
//   - *Provider: ready provider; Events reports the configuration error if
//     neither source is set
func New(cfg *config.Config, httpClient *client.HeaderSettingClient) *Provider {
	return &Provider{cfg: cfg, client: httpClient}
}

// Events returns the current event list from the configured source.
//
// Parameters:
//   - ctx: bounds the feed URL fetch
//
// Returns:
//   - []types.Event: parsed and validated events
//   - error: non-nil when no source is configured or the source failed;
//     the caller keeps the previous channel set in that case
func (p *Provider) Events(ctx context.Context) ([]types.Event, error) {
	if p.cfg.FeedFile != "" {
		return p.fromFile(p.cfg.FeedFile)
	}
	if p.cfg.FeedURL != "" {
		return p.fromURL(ctx, p.cfg.FeedURL)
	}
	return nil, fmt.Errorf("no event feed configured")
}

func (p *Provider) fromFile(path string) ([]types.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read feed file: %w", err)
	}
	events, err := parseEvents(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed file %s: %w", path, err)
	}
	logger.Debug("{feed/feed - fromFile} loaded %d events from %s", len(events), path)
	return events, nil
}

func (p *Provider) fromURL(ctx context.Context, feedURL string) ([]types.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create feed request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read feed body: %w", err)
	}

	events, err := parseEvents(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed from %s: %w", utils.LogURL(p.cfg, feedURL), err)
	}
	logger.Debug("{feed/feed - fromURL} loaded %d events from %s", len(events), utils.LogURL(p.cfg, feedURL))
	return events, nil
}

// parseEvents decodes a feed document and maps it onto domain events.
// Entries missing a title or embed URL are dropped with a warning rather
// than failing the whole schedule.
func parseEvents(data []byte) ([]types.Event, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty feed document")
	}

	var raw []feedEvent
	if trimmed[0] == '[' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid feed array: %w", err)
		}
	} else {
		var doc feedDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid feed document: %w", err)
		}
		raw = doc.Events
	}

	events := make([]types.Event, 0, len(raw))
	dropped := 0
	for i := range raw {
		fe := &raw[i]
		if fe.Title == "" || fe.EmbedURL == "" {
			dropped++
			continue
		}

		ev := types.Event{
			Title:    fe.Title,
			Category: fe.Category,
			EmbedURL: fe.EmbedURL,
		}
		if fe.StartTime != "" {
			start, err := time.Parse(time.RFC3339, fe.StartTime)
			if err != nil {
				logger.Warn("[FEED] unparseable start time %q for %q, treating as live", fe.StartTime, fe.Title)
			} else {
				ev.StartTime = start
			}
		}
		for _, src := range fe.Sources {
			if src.EmbedURL == "" {
				continue
			}
			ev.SourceOptions = append(ev.SourceOptions, types.SourceOption{
				Label:    src.Label,
				EmbedURL: src.EmbedURL,
			})
		}
		events = append(events, ev)
	}

	if dropped > 0 {
		logger.Warn("[FEED] dropped %d feed entries missing a title or embed URL", dropped)
	}
	return events, nil
}
