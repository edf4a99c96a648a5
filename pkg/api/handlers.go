package api

import (
	"encoding/json"
	"log"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/psantana5/cradle/pkg/aggregator"
	"github.com/psantana5/cradle/pkg/auth"
	"github.com/psantana5/cradle/pkg/models"
	"github.com/psantana5/cradle/pkg/remote"
	"github.com/psantana5/cradle/pkg/store"
	"github.com/psantana5/cradle/pkg/sysinfo"
	"github.com/psantana5/cradle/pkg/telemetry"
)

// Handler serves the cradle REST API
type Handler struct {
	agg        *aggregator.Aggregator
	store      store.Store
	tokens     *auth.TokenManager
	metrics    *telemetry.Metrics
	dedup      *remote.DedupCache
	clusterKey []byte
	maxSkew    time.Duration
	nodeName   string
	version    string
	onFeed     func(sourceID string) // invoked after an accepted local feed
}

// Config wires the handler's collaborators
type Config struct {
	Aggregator *aggregator.Aggregator
	Store      store.Store
	Tokens     *auth.TokenManager
	Metrics    *telemetry.Metrics
	ClusterKey []byte
	MaxSkew    time.Duration
	NodeName   string
	Version    string
	OnFeed     func(sourceID string)
}

// NewHandler creates the API handler
func NewHandler(cfg Config) *Handler {
	maxSkew := cfg.MaxSkew
	if maxSkew == 0 {
		maxSkew = 2 * time.Minute
	}
	return &Handler{
		agg:        cfg.Aggregator,
		store:      cfg.Store,
		tokens:     cfg.Tokens,
		metrics:    cfg.Metrics,
		dedup:      remote.NewDedupCache(5 * time.Minute),
		clusterKey: cfg.ClusterKey,
		maxSkew:    maxSkew,
		nodeName:   cfg.NodeName,
		version:    cfg.Version,
		onFeed:     cfg.OnFeed,
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	// Source routes (specific before parameterized)
	r.HandleFunc("/sources/register", h.RegisterSource).Methods("POST")
	r.HandleFunc("/sources", h.ListSources).Methods("GET")
	r.HandleFunc("/sources/{id}", h.GetSource).Methods("GET")
	r.HandleFunc("/sources/{id}", h.RemoveSource).Methods("DELETE")
	r.HandleFunc("/sources/{id}/feed", h.Feed).Methods("POST")

	// Cradle control
	r.HandleFunc("/status", h.Status).Methods("GET")
	r.HandleFunc("/rearm", h.Rearm).Methods("POST")
	r.HandleFunc("/detonate", h.Detonate).Methods("POST")
	r.HandleFunc("/events", h.ListEvents).Methods("GET")
	r.HandleFunc("/journal", h.ListJournal).Methods("GET")

	// Peer transport
	r.HandleFunc("/peer/signal", h.PeerSignal).Methods("POST")

	// Operational
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/info", h.Info).Methods("GET")
}

type registerResponse struct {
	Source *models.Source `json:"source"`
	Token  string         `json:"token,omitempty"`
}

// RegisterSource handles source registration. Re-registering an existing
// name refreshes the source and issues a fresh token rather than failing,
// so restarted watchdog agents can always come back.
func (h *Handler) RegisterSource(w http.ResponseWriter, r *http.Request) {
	var reg models.SourceRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if reg.Name == "" {
		http.Error(w, "Source name is required", http.StatusBadRequest)
		return
	}
	if reg.Type == "" {
		reg.Type = models.SourceTypeLocal
	}

	now := time.Now()
	status := http.StatusCreated

	src, err := h.store.GetSourceByName(reg.Name)
	if err == nil {
		log.Printf("Source %s already registered (ID: %s), refreshing", reg.Name, src.ID)
		src.Address = reg.Address
		src.Type = reg.Type
		src.Labels = reg.Labels
		src.LastSeen = now
		status = http.StatusOK
	} else {
		src = &models.Source{
			ID:           uuid.New().String(),
			Name:         reg.Name,
			Address:      reg.Address,
			Type:         reg.Type,
			Labels:       reg.Labels,
			LastSeen:     now,
			RegisteredAt: now,
		}
	}

	if err := h.agg.RegisterSource(src); err == aggregator.ErrSourceExists {
		// Existing source: refresh its silence clock instead
		h.agg.Apply(models.Signal{SourceID: src.ID, Timestamp: now})
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err := h.store.SaveSource(src); err != nil {
		log.Printf("Warning: failed to persist source %s: %v", src.ID, err)
	}
	if h.metrics != nil {
		h.metrics.SourcesRegistered.Set(float64(len(h.agg.Sources())))
	}

	resp := registerResponse{Source: src}
	if h.tokens != nil {
		token, err := h.tokens.GenerateToken(src.ID, 30*24*time.Hour)
		if err != nil {
			http.Error(w, "Failed to issue token", http.StatusInternalServerError)
			return
		}
		resp.Token = token
	}

	log.Printf("Source registered: %s [%s] (%s)", src.Name, src.ID, src.Type)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// ListSources returns all registered sources
func (h *Handler) ListSources(w http.ResponseWriter, r *http.Request) {
	sources := h.agg.Sources()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sources)
}

// GetSource returns one source
func (h *Handler) GetSource(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	src, err := h.agg.GetSource(id)
	if err != nil {
		http.Error(w, "Source not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(src)
}

// RemoveSource deregisters a source. A removed source no longer counts
// toward the silence check.
func (h *Handler) RemoveSource(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.agg.DeregisterSource(id); err != nil {
		http.Error(w, "Source not found", http.StatusNotFound)
		return
	}
	if err := h.store.DeleteSource(id); err != nil && err != store.ErrNotFound {
		log.Printf("Warning: failed to delete source %s: %v", id, err)
	}
	if h.tokens != nil {
		h.tokens.RevokeToken(id)
	}
	if h.metrics != nil {
		h.metrics.SourcesRegistered.Set(float64(len(h.agg.Sources())))
	}

	log.Printf("Source removed: %s", id)
	w.WriteHeader(http.StatusNoContent)
}

type feedRequest struct {
	Nonce   uint64                 `json:"nonce,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

type feedResponse struct {
	Result models.SignalResult `json:"result"`
	State  models.CradleState  `json:"state"`
}

// Feed applies a liveness signal from a local source
func (h *Handler) Feed(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if h.tokens != nil {
		if err := h.tokens.ValidateToken(id, r.Header.Get("X-Cradle-Token")); err != nil {
			http.Error(w, "Invalid source token", http.StatusUnauthorized)
			return
		}
	}

	var req feedRequest
	if r.Body != nil {
		// Body is optional; a bare POST is a valid feed
		json.NewDecoder(r.Body).Decode(&req)
	}

	sig := models.Signal{
		SourceID:  id,
		Timestamp: time.Now(),
		Nonce:     req.Nonce,
		Payload:   req.Payload,
	}

	result := h.agg.Apply(sig)
	h.recordSignal(&sig, result, string(models.SourceTypeLocal))

	switch result {
	case models.SignalAccepted:
		if src, err := h.agg.GetSource(id); err == nil {
			if err := h.store.UpdateSourceLastSeen(id, src.LastSeen, src.FeedCount); err != nil {
				log.Printf("Warning: failed to persist last seen for %s: %v", id, err)
			}
		}
		if h.onFeed != nil {
			go h.onFeed(id)
		}
	case models.SignalUnknown:
		http.Error(w, "Source not found", http.StatusNotFound)
		return
	}

	// SignalDead is a status, not an error: feeding a detonated cradle is
	// a well-formed request whose answer is "too late".
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(feedResponse{Result: result, State: h.agg.State()})
}

// PeerSignal applies a signed liveness signal relayed by a peer daemon
func (h *Handler) PeerSignal(w http.ResponseWriter, r *http.Request) {
	var env remote.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := env.Verify(h.clusterKey, h.maxSkew); err != nil {
		log.Printf("Rejected peer signal from %s: %v", env.Origin, err)
		if h.metrics != nil {
			h.metrics.SignalsRejected.WithLabelValues("bad_signature").Inc()
		}
		http.Error(w, "Signature verification failed", http.StatusUnauthorized)
		return
	}

	if h.dedup.Seen(&env) {
		if h.metrics != nil {
			h.metrics.SignalsRejected.WithLabelValues(string(models.SignalDuplicate)).Inc()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(feedResponse{Result: models.SignalDuplicate, State: h.agg.State()})
		return
	}

	// Envelopes identify the source by name: peers broadcast their node
	// name, and each daemon registers its peers under fresh local IDs.
	sourceID := env.SourceID
	if src, err := h.agg.GetSourceByName(env.SourceID); err == nil {
		sourceID = src.ID
	}

	sig := models.Signal{
		SourceID:  sourceID,
		Timestamp: env.Time(),
		Nonce:     env.Nonce,
	}

	result := h.agg.Apply(sig)
	h.recordSignal(&sig, result, string(models.SourceTypePeer))

	if result == models.SignalUnknown {
		log.Printf("Peer signal from %s names unknown source %s", env.Origin, env.SourceID)
	}

	if result == models.SignalAccepted {
		if src, err := h.agg.GetSource(sourceID); err == nil {
			if err := h.store.UpdateSourceLastSeen(sourceID, src.LastSeen, src.FeedCount); err != nil {
				log.Printf("Warning: failed to persist last seen for %s: %v", sourceID, err)
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(feedResponse{Result: result, State: h.agg.State()})
}

func (h *Handler) recordSignal(sig *models.Signal, result models.SignalResult, sourceType string) {
	if err := h.store.JournalSignal(sig, result); err != nil {
		log.Printf("Warning: failed to journal signal: %v", err)
	}
	if h.metrics == nil {
		return
	}
	if result == models.SignalAccepted {
		h.metrics.FeedsTotal.WithLabelValues(sourceType).Inc()
	} else {
		h.metrics.SignalsRejected.WithLabelValues(string(result)).Inc()
	}
}

// Status returns the cradle status document
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	sources := h.agg.Sources()
	silence := make(map[string]string, len(sources))
	for _, src := range sources {
		silence[src.Name] = now.Sub(src.LastSeen).Truncate(time.Millisecond).String()
	}

	status := models.CradleStatus{
		Node:       h.nodeName,
		State:      h.agg.State(),
		Threshold:  h.agg.Threshold().String(),
		ArmedSince: h.agg.ArmedSince(),
		Sources:    len(sources),
		Silence:    silence,
		LastEvent:  h.agg.LastEvent(),
		Version:    h.version,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// Rearm transitions a detonated (or idle) cradle back to armed
func (h *Handler) Rearm(w http.ResponseWriter, r *http.Request) {
	if err := h.agg.Rearm(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if h.metrics != nil {
		h.metrics.ArmedState.Set(1)
	}

	log.Printf("Cradle re-armed by operator")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"state": string(h.agg.State())})
}

// Detonate forces an immediate detonation
func (h *Handler) Detonate(w http.ResponseWriter, r *http.Request) {
	if h.agg.State() != models.CradleStateArmed {
		http.Error(w, "Cradle is not armed", http.StatusConflict)
		return
	}

	log.Printf("Forced detonation requested by operator")
	h.agg.Detonate()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"state": string(h.agg.State())})
}

// ListEvents returns detonation history, newest first
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50)
	events, err := h.store.ListDetonations(limit)
	if err != nil {
		http.Error(w, "Failed to list events", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events)
}

// ListJournal returns the signal journal, optionally filtered by source
func (h *Handler) ListJournal(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 100)
	entries, err := h.store.ListJournal(r.URL.Query().Get("source"), limit)
	if err != nil {
		http.Error(w, "Failed to list journal", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// Health reports daemon and store health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.HealthCheck(); err != nil {
		http.Error(w, "Store unhealthy: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"state":  string(h.agg.State()),
	})
}

// Info returns build and host information
func (h *Handler) Info(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"node":       h.nodeName,
		"version":    h.version,
		"go_version": runtime.Version(),
		"threshold":  h.agg.Threshold().String(),
		"host":       sysinfo.Collect(),
	})
}

func parseLimit(r *http.Request, def int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return def
}
