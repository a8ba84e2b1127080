package types

import "errors"

// Error taxonomy shared across components. Callers branch on these with
// errors.Is; packages wrap them with fmt.Errorf("...: %w", ...) to attach
// channel and attempt context.
var (
	// ErrDependencyUnavailable means the external transcoder or browser
	// engine cannot be launched. Fatal at startup or first use; no retry.
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	// ErrChallengeBlocked means an anti-bot challenge was not cleared.
	// Retried once through the solver, then surfaced for that channel only.
	ErrChallengeBlocked = errors.New("challenge blocked")

	// ErrDetectionTimeout means no stream candidate was found within the
	// detection window after all configured attempts.
	ErrDetectionTimeout = errors.New("stream detection timed out")

	// ErrManifestNotReady means the transcoder did not produce a non-empty
	// manifest in time. Job creation fails and resources are released; the
	// channel keeps its previous stream URL if it had one.
	ErrManifestNotReady = errors.New("manifest not ready")

	// ErrProcessCrashed means a transcoder exited on its own while a job
	// still referenced it. Such jobs are evicted and recreated on access.
	ErrProcessCrashed = errors.New("process crashed")

	// ErrProcessDegraded flags a process the health monitor considers
	// unhealthy. The job keeps serving but is reported for visibility.
	ErrProcessDegraded = errors.New("process degraded")

	// ErrUpstreamFetchFailed means a proxy fetch failed. Surfaced as a
	// gateway error for that request only.
	ErrUpstreamFetchFailed = errors.New("upstream fetch failed")
)
