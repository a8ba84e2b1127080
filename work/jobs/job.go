package jobs

import (
	"sync/atomic"
	"time"

	"github.com/eribbey/redcarrd/work/capture"
	"github.com/eribbey/redcarrd/work/orchestrator"
	"github.com/eribbey/redcarrd/work/types"
)

// ManifestName is the manifest filename inside every job directory.
const ManifestName = "stream.m3u8"

// Job is one channel's running output pipeline: a working directory, the
// transcoder producing the local manifest, and for capture jobs the browser
// session feeding it. Jobs move Live -> Stale -> Evicting; only live jobs
// serve clients.
type Job struct {
	ChannelID    string
	Kind         types.StreamMode
	Dir          string
	ManifestPath string
	SourceURL    string
	CreatedAt    time.Time

	proc    *orchestrator.ProcessWrapper
	session *capture.Session

	state      atomic.Int32
	lastAccess atomic.Int64
}

func newJob(channelID string, kind types.StreamMode, dir, manifestPath, sourceURL string, proc *orchestrator.ProcessWrapper, session *capture.Session) *Job {
	j := &Job{
		ChannelID:    channelID,
		Kind:         kind,
		Dir:          dir,
		ManifestPath: manifestPath,
		SourceURL:    sourceURL,
		CreatedAt:    time.Now(),
		proc:         proc,
		session:      session,
	}
	j.state.Store(int32(types.JobLive))
	j.Touch()
	return j
}

// State returns the job's lifecycle state.
func (j *Job) State() types.JobState {
	return types.JobState(j.state.Load())
}

// advance moves the lifecycle forward. States only move Live -> Stale ->
// Evicting; a job mid-eviction never flips back to live.
func (j *Job) advance(to types.JobState) {
	for {
		current := j.state.Load()
		if int32(to) <= current {
			return
		}
		if j.state.CompareAndSwap(current, int32(to)) {
			return
		}
	}
}

// Touch stamps the job as accessed. Handlers call this on every hit so the
// janitor can tell serving jobs from abandoned ones.
func (j *Job) Touch() {
	j.lastAccess.Store(time.Now().UnixNano())
}

// LastAccess returns when the job last served a request.
func (j *Job) LastAccess() time.Time {
	return time.Unix(0, j.lastAccess.Load())
}

// IdleFor returns how long the job has gone without a request.
func (j *Job) IdleFor() time.Duration {
	return time.Since(j.LastAccess())
}

// Process returns the transcoder wrapper behind the job, nil before spawn.
func (j *Job) Process() *orchestrator.ProcessWrapper {
	return j.proc
}

// Dead reports whether the job can no longer produce output: the capture
// session died, or the transcoder reached a terminal state. A dead job is
// stale by definition and gets evicted and recreated on the next access.
func (j *Job) Dead() bool {
	if j.Kind == types.ModeCapture {
		if j.session == nil || !j.session.Alive() {
			return true
		}
	}
	if j.proc == nil {
		return j.Kind != types.ModeCapture
	}
	return j.proc.State().Terminal()
}
