// Package detect resolves which stream a video embed actually plays. It
// works in two phases: a network sniffer that classifies the page's
// outbound requests against an ordered pattern table, and, only when
// sniffing comes up empty, a set of player-library probes evaluated
// inside the page. Sniffing is the cheap general case since nearly every
// player eventually requests its manifest; the probes cover obfuscated or
// lazy loaders that have not done so yet.
package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/eribbey/redcarrd/work/config"
	"github.com/eribbey/redcarrd/work/logger"
	"github.com/eribbey/redcarrd/work/metrics"
	"github.com/eribbey/redcarrd/work/types"
)

// ErrNoStreamDetected reports that both phases completed without a usable
// candidate. It wraps the detection-timeout taxonomy error so callers can
// route it through the standard retry policy.
var ErrNoStreamDetected = fmt.Errorf("no stream detected: %w", types.ErrDetectionTimeout)

// PageContext is the slice of a browser page the detector needs. It is
// satisfied by *browser.Page and by test fakes.
type PageContext interface {
	// OnRequest subscribes fn to outbound request URLs; fn must not block.
	OnRequest(ctx context.Context, fn func(url string)) (func(), error)
	// Evaluate runs a script in the page and decodes its result into out.
	Evaluate(ctx context.Context, expression string, out any) error
}

// Options tunes one detection attempt.
type Options struct {
	// Window bounds the sniff phase. Zero means the configured
	// detection timeout.
	Window time.Duration
	// ConfigFallback enables the player-config inspector when sniffing
	// finds nothing.
	ConfigFallback bool
}

// Detector runs detection attempts against pages. Stateless between
// attempts; retries (page reload, backoff) belong to the caller.
type Detector struct {
	cfg *config.Config
}

// New creates a detector.
//
// Parameters:
//   - cfg: application configuration (detection window default, URL
//     obfuscation for logs)
//
// Returns:
//   - *Detector: ready to use
func New(cfg *config.Config) *Detector {
	return &Detector{cfg: cfg}
}

// Detect runs one full detection attempt against the page and returns the
// winning candidate, or ErrNoStreamDetected when both phases miss.
//
// Parameters:
//   - ctx: bounds the whole attempt
//   - page: the embed page, already navigated
//   - opts: sniff window and fallback switches
//
// Returns:
//   - *types.StreamCandidate: the detected stream
//   - error: ErrNoStreamDetected, or a page/connection failure
func (d *Detector) Detect(ctx context.Context, page PageContext, opts Options) (*types.StreamCandidate, error) {
	window := opts.Window
	if window <= 0 {
		window = d.cfg.DetectionTimeout
	}

	cand, err := d.sniff(ctx, page, window)
	if err != nil {
		return nil, err
	}
	if cand != nil {
		metrics.Detections.WithLabelValues("sniff", "hit").Inc()
		return cand, nil
	}
	metrics.Detections.WithLabelValues("sniff", "miss").Inc()

	if opts.ConfigFallback {
		cand, err = d.inspect(ctx, page)
		if err != nil {
			return nil, err
		}
		if cand != nil {
			metrics.Detections.WithLabelValues("inspect", "hit").Inc()
			return cand, nil
		}
		metrics.Detections.WithLabelValues("inspect", "miss").Inc()
	}

	logger.Debug("{detect/detector - Detect} no candidate after both phases (window=%s fallback=%t)", window, opts.ConfigFallback)
	return nil, ErrNoStreamDetected
}
