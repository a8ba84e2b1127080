package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eribbey/redcarrd/work/browser"
	"github.com/eribbey/redcarrd/work/config"
	"github.com/eribbey/redcarrd/work/database"
	"github.com/eribbey/redcarrd/work/detect"
	"github.com/eribbey/redcarrd/work/logger"
	"github.com/eribbey/redcarrd/work/registry"
	"github.com/eribbey/redcarrd/work/solver"
	"github.com/eribbey/redcarrd/work/types"
	"github.com/eribbey/redcarrd/work/utils"
)

// errEmbedBenched marks an embed skipped because it keeps failing; the
// hydration pass logs and moves on without burning detection attempts.
var errEmbedBenched = errors.New("embed is benched after repeated failures")

// challengeScript detects interactive anti-bot walls. It checks the title
// phrases and DOM markers the common gateways render while holding a visitor.
const challengeScript = `(() => {
	try {
		const t = (document.title || '').toLowerCase();
		if (t.includes('just a moment') || t.includes('attention required') || t.includes('access denied') || t.includes('checking your browser')) return true;
		if (document.querySelector('#challenge-form, #challenge-running, #cf-wrapper, .cf-turnstile, #turnstile-wrapper')) return true;
		return false;
	} catch (e) {
		return false;
	}
})()`

// resolvePage is the slice of a browser tab the resolver drives. It is a
// superset of detect.PageContext, satisfied by *browser.Page and by fakes.
type resolvePage interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	Evaluate(ctx context.Context, expression string, out any) error
	OnRequest(ctx context.Context, fn func(url string)) (func(), error)
	SetUserAgent(ctx context.Context, userAgent string) error
	SetCookies(ctx context.Context, pageURL string, cookies []types.Cookie) error
	Cookies(ctx context.Context, urls ...string) ([]types.Cookie, error)
	Close(ctx context.Context) error
}

// streamDetector runs one detection attempt. Satisfied by *detect.Detector.
type streamDetector interface {
	Detect(ctx context.Context, page detect.PageContext, opts detect.Options) (*types.StreamCandidate, error)
}

// challengeSolver clears anti-bot walls. Satisfied by *solver.Client.
type challengeSolver interface {
	Enabled() bool
	Solve(ctx context.Context, targetURL string) (*solver.Result, error)
}

// variantFetcher parses a resolved master playlist into quality options.
// Satisfied by the relay; nil skips variant discovery.
type variantFetcher interface {
	FetchQualityOptions(ctx context.Context, ch *types.Channel) ([]types.QualityOption, error)
}

// Resolver turns a channel's embed page into a playable stream URL. It owns
// the retry policy around the detector: full detection cycles with page
// reload and linear backoff, one solver round on a challenge wall, and the
// dead-embed bench that stops rebuild passes from hammering gone streams.
type Resolver struct {
	cfg      *config.Config
	reg      *registry.Registry
	db       *database.DB
	detector streamDetector
	solver   challengeSolver
	variants variantFetcher

	newPage func(ctx context.Context) (resolvePage, error)
}

// NewResolver builds a resolver over the shared browser engine. The
// database, solver and variant fetcher are optional: without them the bench,
// challenge solving and quality discovery are skipped respectively.
func NewResolver(cfg *config.Config, reg *registry.Registry, db *database.DB, engine *browser.Engine, detector *detect.Detector, sol *solver.Client) *Resolver {
	r := &Resolver{
		cfg:      cfg,
		reg:      reg,
		db:       db,
		detector: detector,
		solver:   sol,
	}
	if engine != nil {
		r.newPage = func(ctx context.Context) (resolvePage, error) {
			if !engine.Alive() {
				return nil, fmt.Errorf("browser engine is not running: %w", types.ErrDependencyUnavailable)
			}
			return engine.NewPage(ctx)
		}
	}
	return r
}

// SetVariantFetcher wires quality-variant discovery in after construction.
// The relay needs the registry and client stack, so it comes up later than
// the resolver.
func (r *Resolver) SetVariantFetcher(v variantFetcher) {
	r.variants = v
}

// Resolve detects the stream behind a channel's active embed and reports
// the result through the registry.
//
// Process:
//   - Benched embeds are skipped outright.
//   - A tab is opened with the channel's user agent and cookies, navigated
//     to the embed, and checked for a challenge wall (solved once via the
//     solver when configured).
//   - Detection runs up to the configured attempts, reloading the page with
//     linearly growing backoff between attempts.
//   - Success stores the stream URL/kind, folds the tab's cookies back into
//     the channel, clears the embed's failure record and discovers quality
//     variants for HLS masters. Failure records the embed failure and the
//     channel error.
//
// Returns:
//   - error: nil on success; the terminal detection or challenge error
//     otherwise
func (r *Resolver) Resolve(ctx context.Context, ch *types.Channel) error {
	embedURL := ch.ActiveEmbedURL()
	if embedURL == "" {
		return fmt.Errorf("channel %s has no embed URL", ch.ID)
	}

	if r.db != nil {
		benched, err := r.db.IsEmbedBenched(embedURL, r.cfg.EmbedCooldown)
		if err != nil {
			logger.Warn("{jobs/resolver - Resolve} bench check failed for %s: %v", ch.ID, err)
		} else if benched {
			logger.Debug("{jobs/resolver - Resolve} skipping benched embed for %s", ch.ID)
			return errEmbedBenched
		}
	}

	if r.newPage == nil {
		return fmt.Errorf("stream resolution needs a browser engine: %w", types.ErrDependencyUnavailable)
	}
	page, err := r.newPage(ctx)
	if err != nil {
		return err
	}
	defer page.Close(context.Background())

	if err := page.SetUserAgent(ctx, ch.HeaderSnapshot()["User-Agent"]); err != nil {
		return fmt.Errorf("failed to set user agent: %w", err)
	}
	if cookies := ch.CookieSnapshot(); len(cookies) > 0 {
		if err := page.SetCookies(ctx, embedURL, cookies); err != nil {
			logger.Warn("{jobs/resolver - Resolve} cookie install failed for %s: %v", ch.ID, err)
		}
	}

	logger.Debug("{jobs/resolver - Resolve} resolving %s via %s", ch.ID, utils.LogURL(r.cfg, embedURL))

	if err := page.Navigate(ctx, embedURL); err != nil {
		return r.fail(ch, embedURL, fmt.Errorf("failed to open embed: %w", err))
	}

	if err := r.passChallenge(ctx, ch, page, embedURL); err != nil {
		return r.fail(ch, embedURL, err)
	}

	cand, err := r.detectWithRetries(ctx, ch, page)
	if err != nil {
		return r.fail(ch, embedURL, err)
	}

	r.reg.SetResolved(ch.ID, cand.URL, mimeFor(cand.Kind), cand.Kind)

	// The tab may have earned session cookies the CDN demands on segment
	// fetches; fold them into the channel before anything fetches upstream.
	if harvested, err := page.Cookies(ctx, embedURL, cand.URL); err == nil && len(harvested) > 0 {
		r.reg.MergeCookies(ch.ID, harvested)
	}

	if r.db != nil {
		if err := r.db.ClearEmbedFailures(embedURL); err != nil {
			logger.Warn("{jobs/resolver - Resolve} failed to clear embed failures for %s: %v", ch.ID, err)
		}
	}

	if cand.Kind == types.KindHLS && r.variants != nil {
		if opts, err := r.variants.FetchQualityOptions(ctx, ch); err != nil {
			logger.Debug("{jobs/resolver - Resolve} variant discovery failed for %s: %v", ch.ID, err)
		} else if len(opts) > 0 {
			r.reg.SetQualityOptions(ch.ID, opts)
		}
	}

	logger.Info("{jobs/resolver - Resolve} %s resolved to a %s stream (player=%s)", ch.ID, cand.Kind, cand.Player)
	return nil
}

// fail records a resolution failure on the channel and the embed's bench
// record, then passes the error through.
func (r *Resolver) fail(ch *types.Channel, embedURL string, cause error) error {
	r.reg.SetError(ch.ID, cause.Error())

	if r.db != nil {
		benched, err := r.db.RecordEmbedFailure(embedURL, r.cfg.EmbedFailureLimit)
		if err != nil {
			logger.Warn("{jobs/resolver - fail} failed to record embed failure for %s: %v", ch.ID, err)
		} else if benched {
			logger.Warn("{jobs/resolver - fail} embed for %s benched after repeated failures", ch.ID)
		}
	}
	return cause
}

// detectWithRetries runs full detection cycles until one lands: reload the
// page and back off linearly between attempts, as embeds frequently need a
// second load before their player bootstraps.
func (r *Resolver) detectWithRetries(ctx context.Context, ch *types.Channel, page resolvePage) (*types.StreamCandidate, error) {
	attempts := r.cfg.DetectionAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			backoff := r.cfg.DetectionBackoff * time.Duration(attempt-1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if err := page.Reload(ctx); err != nil {
				lastErr = fmt.Errorf("reload before attempt %d failed: %w", attempt, err)
				continue
			}
		}

		cand, err := r.detector.Detect(ctx, page, detect.Options{ConfigFallback: r.cfg.ConfigFallback})
		if err == nil {
			return cand, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, lastErr
		}
		logger.Debug("{jobs/resolver - detectWithRetries} %s attempt %d/%d found nothing", ch.ID, attempt, attempts)
	}
	return nil, lastErr
}

// passChallenge checks for an anti-bot wall and clears it through the
// solver, once. A second wall after the solve round is a hard block.
func (r *Resolver) passChallenge(ctx context.Context, ch *types.Channel, page resolvePage, embedURL string) error {
	challenged, err := r.isChallenged(ctx, page)
	if err != nil || !challenged {
		return err
	}

	if r.solver == nil || !r.solver.Enabled() {
		return fmt.Errorf("embed requires a challenge solver and none is configured: %w", types.ErrChallengeBlocked)
	}

	logger.Info("{jobs/resolver - passChallenge} %s hit a challenge wall, invoking solver", ch.ID)

	result, err := r.solver.Solve(ctx, embedURL)
	if err != nil {
		return fmt.Errorf("challenge solve failed (%v): %w", err, types.ErrChallengeBlocked)
	}

	// The clearance is bound to the solver's user agent; channel and tab
	// must both present it with the cookies from now on.
	r.reg.MergeCookies(ch.ID, result.Cookies)
	if result.UserAgent != "" {
		r.reg.SetRequestHeader(ch.ID, "User-Agent", result.UserAgent)
		if err := page.SetUserAgent(ctx, result.UserAgent); err != nil {
			logger.Warn("{jobs/resolver - passChallenge} failed to adopt solver user agent for %s: %v", ch.ID, err)
		}
	}
	if err := page.SetCookies(ctx, embedURL, result.Cookies); err != nil {
		return fmt.Errorf("failed to install clearance cookies: %w", err)
	}
	if err := page.Navigate(ctx, embedURL); err != nil {
		return fmt.Errorf("failed to reopen embed after solve: %w", err)
	}

	challenged, err = r.isChallenged(ctx, page)
	if err != nil {
		return err
	}
	if challenged {
		return fmt.Errorf("challenge persists after solver clearance: %w", types.ErrChallengeBlocked)
	}
	return nil
}

func (r *Resolver) isChallenged(ctx context.Context, page resolvePage) (bool, error) {
	var challenged bool
	if err := page.Evaluate(ctx, challengeScript, &challenged); err != nil {
		return false, fmt.Errorf("challenge probe failed: %w", err)
	}
	return challenged, nil
}

// mimeFor maps a stream kind to the MIME type reported on the channel.
func mimeFor(kind types.StreamKind) string {
	switch kind {
	case types.KindHLS:
		return "application/vnd.apple.mpegurl"
	case types.KindDASH:
		return "application/dash+xml"
	default:
		return "video/mp4"
	}
}
