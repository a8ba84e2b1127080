package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/eribbey/redcarrd/work/app"
	"github.com/eribbey/redcarrd/work/config"
	"github.com/eribbey/redcarrd/work/database"
	"github.com/eribbey/redcarrd/work/jobs"
	"github.com/eribbey/redcarrd/work/logger"
	"github.com/eribbey/redcarrd/work/middleware"
	"github.com/eribbey/redcarrd/work/orchestrator"
	"github.com/eribbey/redcarrd/work/playlist"
	"github.com/eribbey/redcarrd/work/registry"
	"github.com/eribbey/redcarrd/work/types"
	"github.com/eribbey/redcarrd/work/utils"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
)

// StatusResponse is the system overview served at /api/status: channel and
// job counts, transcoder slot usage, rebuild state and process vitals.
type StatusResponse struct {
	Version            string `json:"version"`
	TotalChannels      int    `json:"totalChannels"`
	ResolvedChannels   int    `json:"resolvedChannels"`
	CaptureChannels    int    `json:"captureChannels"`
	ActiveJobs         int    `json:"activeJobs"`
	TranscodersActive  int    `json:"transcodersActive"`
	TranscoderCapacity int    `json:"transcoderCapacity"`
	SlotsWaiting       int    `json:"slotsWaiting"`
	Hydrating          bool   `json:"hydrating"`
	LastRebuild        string `json:"lastRebuild,omitempty"`
	Uptime             string `json:"uptime"`
	MemoryUsage        string `json:"memoryUsage"`
	CacheStatus        string `json:"cacheStatus"`
	WatcherEnabled     bool   `json:"watcherEnabled"`
	DatabaseEnabled    bool   `json:"databaseEnabled"`
}

// ChannelResponse is one channel's admin view. SelectedSource and
// SelectedQuality are 1-based; 0 means the event's own embed / the resolved
// stream as-is.
type ChannelResponse struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Category        string `json:"category,omitempty"`
	Mode            string `json:"mode"`
	Kind            string `json:"kind"`
	Resolved        bool   `json:"resolved"`
	StreamURL       string `json:"streamUrl,omitempty"`
	Sources         int    `json:"sources"`
	SelectedSource  int    `json:"selectedSource"`
	Qualities       int    `json:"qualities"`
	SelectedQuality int    `json:"selectedQuality"`
	StartTime       string `json:"startTime,omitempty"`
	ExpiresAt       string `json:"expiresAt"`
	LastError       string `json:"lastError,omitempty"`
}

// JobResponse is one running job's admin view.
type JobResponse struct {
	ChannelID    string `json:"channelId"`
	Kind         string `json:"kind"`
	State        string `json:"state"`
	SourceURL    string `json:"sourceUrl,omitempty"`
	CreatedAt    string `json:"createdAt"`
	LastAccess   string `json:"lastAccess"`
	IdleSeconds  int    `json:"idleSeconds"`
	Dead         bool   `json:"dead"`
	PID          int    `json:"pid,omitempty"`
	ProcessState string `json:"processState,omitempty"`
}

// DeadEmbedResponse is one benched embed's admin view. The URL is returned
// unobfuscated so it round-trips through the revive endpoint.
type DeadEmbedResponse struct {
	EmbedURL    string `json:"embedUrl"`
	Failures    int    `json:"failures"`
	LastFailure string `json:"lastFailure,omitempty"`
	Blocked     bool   `json:"blocked"`
}

// adminState bundles the engines the admin API reads and drives.
type adminState struct {
	cfg     *config.Config
	reg     *registry.Registry
	app     *app.App
	jobs    *jobs.Manager
	orch    *orchestrator.Orchestrator
	builder *playlist.Builder
	db      *database.DB
}

var (
	// adminStartTime anchors the uptime reported by /api/status.
	adminStartTime = time.Now()

	// restartChan signals the graceful-restart goroutine in main. Buffered
	// so the admin handler never blocks on a restart already in flight.
	restartChan = make(chan bool, 1)
)

// setupAdminRoutes registers the admin JSON API. Read endpoints are gzipped;
// every endpoint goes through CORS and, when a password hash is configured,
// basic auth.
func setupAdminRoutes(router *mux.Router, st *adminState) {
	get := func(h http.HandlerFunc) http.HandlerFunc {
		return corsMiddleware(st.auth(middleware.Gzip(h)))
	}
	mutate := func(h http.HandlerFunc) http.HandlerFunc {
		return corsMiddleware(st.auth(h))
	}

	router.HandleFunc("/api/status", get(handleGetStatus(st))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/channels", get(handleGetChannels(st))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/channels/{id}/source", mutate(handleSelectSource(st))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/channels/{id}/quality", mutate(handleSelectQuality(st))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/rebuild", mutate(handleRebuild(st))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/jobs", get(handleGetJobs(st))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/jobs/{id}", mutate(handleDeleteJob(st))).Methods("DELETE", "OPTIONS")
	router.HandleFunc("/api/deadembeds", get(handleGetDeadEmbeds(st))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/deadembeds/revive", mutate(handleReviveEmbed(st))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/database", get(handleGetDatabase(st))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/database/vacuum", mutate(handleVacuumDatabase(st))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/database/backup", mutate(handleBackupDatabase(st))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/logs", get(handleGetLogs)).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/logs/stream", corsMiddleware(st.auth(handleStreamLogs))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/config", get(handleGetConfig)).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/config", mutate(handleSetConfig)).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/restart", mutate(handleRestart)).Methods("POST", "OPTIONS")
}

// corsMiddleware answers preflights and stamps CORS headers so browser-based
// admin frontends on another origin can use the API.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// auth enforces basic auth against the configured bcrypt hash. An empty hash
// leaves the admin API open. The username is ignored; only the password is
// checked.
func (st *adminState) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hash := st.cfg.AdminPasswordHash
		if hash == "" {
			next(w, r)
			return
		}
		_, pass, ok := r.BasicAuth()
		if !ok || bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="redcarrd admin"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func handleGetStatus(st *adminState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		resolved := 0
		captures := 0
		snapshot := st.reg.Snapshot()
		for _, ch := range snapshot {
			ch.Mu.RLock()
			if ch.StreamURL != "" {
				resolved++
			}
			if ch.StreamMode == types.ModeCapture {
				captures++
			}
			ch.Mu.RUnlock()
		}

		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		cacheStatus := "disabled"
		if st.cfg.CacheEnabled {
			cacheStatus = "enabled"
		}

		lastRebuild := ""
		if ts := st.app.LastRebuild(); !ts.IsZero() {
			lastRebuild = ts.Format(time.RFC3339)
		}

		monitor := st.orch.Monitor()
		status := StatusResponse{
			Version:            Version,
			TotalChannels:      len(snapshot),
			ResolvedChannels:   resolved,
			CaptureChannels:    captures,
			ActiveJobs:         len(st.jobs.Jobs()),
			TranscodersActive:  monitor.Active(),
			TranscoderCapacity: monitor.Capacity(),
			SlotsWaiting:       monitor.Waiting(),
			Hydrating:          st.builder.Hydrating(),
			LastRebuild:        lastRebuild,
			Uptime:             formatDuration(time.Since(adminStartTime)),
			MemoryUsage:        utils.FormatBytes(int64(m.Alloc)),
			CacheStatus:        cacheStatus,
			WatcherEnabled:     st.cfg.WatcherEnabled,
			DatabaseEnabled:    st.db != nil,
		}

		if err := json.NewEncoder(w).Encode(status); err != nil {
			logger.Error("{admin - handleGetStatus} failed to encode status: %v", err)
		}
	}
}

func handleGetChannels(st *adminState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		channels := make([]ChannelResponse, 0)
		for _, ch := range st.reg.Snapshot() {
			ch.Mu.RLock()
			resp := ChannelResponse{
				ID:              ch.ID,
				Title:           ch.Title,
				Category:        ch.Category,
				Mode:            ch.StreamMode.String(),
				Kind:            ch.StreamKind.String(),
				Resolved:        ch.StreamURL != "",
				Sources:         len(ch.SourceOptions),
				SelectedSource:  ch.SelectedSource,
				Qualities:       len(ch.QualityOptions),
				SelectedQuality: ch.SelectedQuality,
				ExpiresAt:       ch.ExpiresAt.Format(time.RFC3339),
				LastError:       ch.LastError,
			}
			if ch.StreamURL != "" {
				resp.StreamURL = utils.LogURL(st.cfg, ch.StreamURL)
			}
			if !ch.StartTime.IsZero() {
				resp.StartTime = ch.StartTime.Format(time.RFC3339)
			}
			ch.Mu.RUnlock()
			channels = append(channels, resp)
		}

		if err := json.NewEncoder(w).Encode(channels); err != nil {
			logger.Error("{admin - handleGetChannels} failed to encode channels: %v", err)
		}
	}
}

// handleSelectSource switches a channel to an alternate embed. The registry
// resets the stream state and evicts the job, so the next access resolves
// the new source.
func handleSelectSource(st *adminState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		id := mux.Vars(r)["id"]
		if _, ok := st.reg.Get(id); !ok {
			http.Error(w, "Channel not found", http.StatusNotFound)
			return
		}

		var request struct {
			Index int `json:"index"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		if err := st.reg.SelectSource(id, request.Index); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "success",
			"index":  request.Index,
		})
	}
}

// handleSelectQuality pins a channel to one of its parsed quality variants.
func handleSelectQuality(st *adminState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		id := mux.Vars(r)["id"]
		if _, ok := st.reg.Get(id); !ok {
			http.Error(w, "Channel not found", http.StatusNotFound)
			return
		}

		var request struct {
			Index int `json:"index"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		if err := st.reg.SelectQuality(id, request.Index); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "success",
			"index":  request.Index,
		})
	}
}

// handleRebuild queues an immediate rebuild pass.
func handleRebuild(st *adminState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		st.app.TriggerRebuild()
		logger.Info("[ADMIN] rebuild triggered via admin interface")

		json.NewEncoder(w).Encode(map[string]string{"status": "rebuild_triggered"})
	}
}

func handleGetJobs(st *adminState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		out := make([]JobResponse, 0)
		for _, job := range st.jobs.Jobs() {
			resp := JobResponse{
				ChannelID:   job.ChannelID,
				Kind:        job.Kind.String(),
				State:       job.State().String(),
				CreatedAt:   job.CreatedAt.Format(time.RFC3339),
				LastAccess:  job.LastAccess().Format(time.RFC3339),
				IdleSeconds: int(job.IdleFor().Seconds()),
				Dead:        job.Dead(),
			}
			if job.SourceURL != "" {
				resp.SourceURL = utils.LogURL(st.cfg, job.SourceURL)
			}
			if proc := job.Process(); proc != nil {
				resp.PID = proc.PID()
				resp.ProcessState = string(proc.State())
			}
			out = append(out, resp)
		}

		if err := json.NewEncoder(w).Encode(out); err != nil {
			logger.Error("{admin - handleGetJobs} failed to encode jobs: %v", err)
		}
	}
}

// handleDeleteJob tears a job down. The channel stays registered; the next
// player request recreates the job from the channel's current stream.
func handleDeleteJob(st *adminState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		id := mux.Vars(r)["id"]
		if _, ok := st.jobs.Get(id); !ok {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}

		st.jobs.CleanupJob(id)
		logger.Info("[ADMIN] job %s evicted via admin interface", id)

		json.NewEncoder(w).Encode(map[string]string{"status": "success"})
	}
}

func handleGetDeadEmbeds(st *adminState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if st.db == nil {
			http.Error(w, "Database not configured", http.StatusServiceUnavailable)
			return
		}

		rows, err := st.db.LoadDeadEmbeds()
		if err != nil {
			logger.Error("{admin - handleGetDeadEmbeds} failed to load dead embeds: %v", err)
			http.Error(w, "Failed to load dead embeds", http.StatusInternalServerError)
			return
		}

		out := make([]DeadEmbedResponse, 0, len(rows))
		for _, row := range rows {
			resp := DeadEmbedResponse{
				EmbedURL: row.EmbedURL,
				Failures: row.Failures,
				Blocked:  row.Blocked,
			}
			if !row.LastFailure.IsZero() {
				resp.LastFailure = row.LastFailure.Format(time.RFC3339)
			}
			out = append(out, resp)
		}

		if err := json.NewEncoder(w).Encode(out); err != nil {
			logger.Error("{admin - handleGetDeadEmbeds} failed to encode dead embeds: %v", err)
		}
	}
}

// handleReviveEmbed clears an embed's failure record so hydration tries it
// again on the next pass.
func handleReviveEmbed(st *adminState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if st.db == nil {
			http.Error(w, "Database not configured", http.StatusServiceUnavailable)
			return
		}

		var request struct {
			EmbedURL string `json:"embedUrl"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		if request.EmbedURL == "" {
			http.Error(w, "embedUrl is required", http.StatusBadRequest)
			return
		}

		if err := st.db.ClearEmbedFailures(request.EmbedURL); err != nil {
			logger.Error("{admin - handleReviveEmbed} failed to revive embed: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		logger.Info("[ADMIN] embed %s revived via admin interface", utils.LogURL(st.cfg, request.EmbedURL))

		json.NewEncoder(w).Encode(map[string]string{"status": "success"})
	}
}

func handleGetDatabase(st *adminState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if st.db == nil {
			http.Error(w, "Database not configured", http.StatusServiceUnavailable)
			return
		}

		stats, err := st.db.GetStats()
		if err != nil {
			logger.Error("{admin - handleGetDatabase} failed to collect stats: %v", err)
			http.Error(w, "Failed to collect database stats", http.StatusInternalServerError)
			return
		}

		if err := json.NewEncoder(w).Encode(stats); err != nil {
			logger.Error("{admin - handleGetDatabase} failed to encode stats: %v", err)
		}
	}
}

func handleVacuumDatabase(st *adminState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if st.db == nil {
			http.Error(w, "Database not configured", http.StatusServiceUnavailable)
			return
		}

		if err := st.db.Vacuum(); err != nil {
			logger.Error("{admin - handleVacuumDatabase} vacuum failed: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		logger.Info("[ADMIN] database vacuumed via admin interface")

		json.NewEncoder(w).Encode(map[string]string{"status": "success"})
	}
}

// handleBackupDatabase copies the database to a sibling file. An explicit
// path in the request body overrides the default <databasePath>.bak.
func handleBackupDatabase(st *adminState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if st.db == nil {
			http.Error(w, "Database not configured", http.StatusServiceUnavailable)
			return
		}

		var request struct {
			Path string `json:"path"`
		}
		if r.Body != nil {
			json.NewDecoder(r.Body).Decode(&request)
		}
		if request.Path == "" {
			request.Path = st.cfg.DatabasePath + ".bak"
		}

		if err := st.db.Backup(request.Path); err != nil {
			logger.Error("{admin - handleBackupDatabase} backup failed: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		logger.Info("[ADMIN] database backed up to %s", request.Path)

		json.NewEncoder(w).Encode(map[string]string{
			"status": "success",
			"path":   request.Path,
		})
	}
}

// handleGetLogs returns recent entries from the log ring, newest last. The
// limit query parameter bounds the count; the default returns 200.
func handleGetLogs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	limit := 200
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}

	if err := json.NewEncoder(w).Encode(logger.Recent(limit)); err != nil {
		http.Error(w, "Failed to encode logs", http.StatusInternalServerError)
	}
}

// handleStreamLogs serves the log ring and live entries as server-sent
// events: the ring replays first, then entries stream as they are logged,
// until the client disconnects.
func handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	history, live, cancel := logger.Subscribe(64)
	defer cancel()

	for _, entry := range history {
		if err := writeLogEvent(w, flusher, entry); err != nil {
			return
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, ok := <-live:
			if !ok {
				return
			}
			if err := writeLogEvent(w, flusher, entry); err != nil {
				return
			}
		}
	}
}

func writeLogEvent(w http.ResponseWriter, flusher http.Flusher, entry logger.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// handleGetConfig returns the on-disk config document, not the runtime
// values, so the admin interface edits what actually persists.
func handleGetConfig(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(config.Path())
	if err != nil {
		logger.Error("{admin - handleGetConfig} failed to read config file: %v", err)
		http.Error(w, "Failed to read config file", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// handleSetConfig validates and persists a new config document with an
// atomic temp-file write. Changes apply on the next restart
// (POST /api/restart).
func handleSetConfig(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if err := recover(); err != nil {
			logger.Error("{admin - handleSetConfig} panic: %v", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
	}()

	w.Header().Set("Content-Type", "application/json")

	var configFile config.ConfigFile
	if err := json.NewDecoder(r.Body).Decode(&configFile); err != nil {
		http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	if configFile.BaseURL == "" {
		http.Error(w, "baseURL is required", http.StatusBadRequest)
		return
	}

	data, err := json.MarshalIndent(configFile, "", "  ")
	if err != nil {
		logger.Error("{admin - handleSetConfig} failed to marshal config: %v", err)
		http.Error(w, "Failed to marshal config", http.StatusInternalServerError)
		return
	}

	configPath := config.Path()
	tempPath := configPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		logger.Error("{admin - handleSetConfig} failed to write temp file: %v", err)
		http.Error(w, "Failed to write config: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if err := os.Rename(tempPath, configPath); err != nil {
		logger.Error("{admin - handleSetConfig} failed to move temp file: %v", err)
		http.Error(w, "Failed to move config file: "+err.Error(), http.StatusInternalServerError)
		return
	}

	logger.Info("[ADMIN] configuration updated via admin interface")

	json.NewEncoder(w).Encode(map[string]string{
		"status":  "success",
		"message": "Configuration saved; restart to apply",
	})
}

// handleRestart responds first, then signals the restart goroutine after a
// short delay so the response reaches the client before engines cycle.
func handleRestart(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	logger.Info("[ADMIN] graceful restart requested via admin interface")

	json.NewEncoder(w).Encode(map[string]string{
		"status":  "restart_initiated",
		"message": "Reloading configuration and rebuilding channels...",
	})

	go func() {
		time.Sleep(500 * time.Millisecond)
		select {
		case restartChan <- true:
		default:
		}
	}()
}

// formatDuration renders an uptime compactly: seconds under a minute, then
// minutes, then hours+minutes, then days+hours.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}
