package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/droverhq/drover/pkg/cluster"
	"github.com/droverhq/drover/pkg/term"
	"github.com/droverhq/drover/pkg/types"
)

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb types.Heartbeat
	if err := decodeBody(r, &hb); err != nil {
		respondErr(w, err)
		return
	}
	if err := s.coordinator.HandleHeartbeat(&hb); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cpu, mem, _ := cluster.SampleUsage()
	respond(w, http.StatusOK, map[string]any{
		"status":       "healthy",
		"cpu_usage":    cpu,
		"memory_usage": mem,
	})
}

type submitPromptRequest struct {
	Content           string   `json:"content"`
	Source            string   `json:"source"`
	Priority          int      `json:"priority"`
	TargetSession     string   `json:"target_session"`
	TargetProvider    string   `json:"target_provider"`
	FallbackProviders []string `json:"fallback_providers"`
	MaxRetries        int      `json:"max_retries"`
	TimeoutSeconds    int      `json:"timeout_seconds"`
}

func (s *Server) handleSubmitPrompt(w http.ResponseWriter, r *http.Request) {
	var req submitPromptRequest
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, err)
		return
	}

	fallbacks := make([]types.Provider, 0, len(req.FallbackProviders))
	for _, p := range req.FallbackProviders {
		fallbacks = append(fallbacks, types.Provider(p))
	}
	prompt := &types.Prompt{
		Content:           req.Content,
		Source:            req.Source,
		Priority:          req.Priority,
		TargetSession:     req.TargetSession,
		TargetProvider:    types.Provider(req.TargetProvider),
		FallbackProviders: fallbacks,
		MaxRetries:        req.MaxRetries,
		Timeout:           time.Duration(req.TimeoutSeconds) * time.Second,
	}
	if err := s.assigner.Submit(prompt); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, map[string]any{"prompt": prompt})
}

func (s *Server) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	var (
		prompts []*types.Prompt
		err     error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		prompts, err = s.store.ListPromptsByStatus(types.PromptStatus(status))
	} else {
		prompts, err = s.store.ListPrompts()
	}
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"prompts": prompts})
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	id := promptID(r)
	prompt, err := s.store.GetPrompt(id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"prompt": prompt})
}

func (s *Server) handleRetryPrompt(w http.ResponseWriter, r *http.Request) {
	retried, err := s.assigner.RetryPrompt(promptID(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"retried": retried})
}

func (s *Server) handleRetryAll(w http.ResponseWriter, r *http.Request) {
	count, err := s.assigner.RetryAllFailed()
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"retried": count})
}

func (s *Server) handleReassignPrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetSession string `json:"target_session"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if err := s.assigner.ReassignPrompt(promptID(r), req.TargetSession); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (s *Server) handleCancelPrompt(w http.ResponseWriter, r *http.Request) {
	if err := s.assigner.Cancel(promptID(r)); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (s *Server) handlePromptHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListHistory(promptID(r))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"history": entries})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions()
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"sessions": sessions})
}

type registerSessionRequest struct {
	Name       string   `json:"name"`
	Provider   string   `json:"provider"`
	WorkingDir string   `json:"working_dir"`
	NodeID     string   `json:"node_id"`
	Idle       []string `json:"idle_markers"`
	Busy       []string `json:"busy_markers"`
	Waiting    []string `json:"waiting_markers"`
}

func (s *Server) handleRegisterSession(w http.ResponseWriter, r *http.Request) {
	var req registerSessionRequest
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	session := &types.Session{
		Name:       req.Name,
		Provider:   types.Provider(req.Provider),
		WorkingDir: req.WorkingDir,
		NodeID:     req.NodeID,
		Status:     types.SessionIdle,
	}
	markers := term.ProviderMarkers{Idle: req.Idle, Busy: req.Busy, Waiting: req.Waiting}
	if err := s.assigner.RegisterSession(session, markers); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, map[string]any{"session": session})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.assigner.RemoveSession(mux.Vars(r)["name"]); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (s *Server) handleExcludeSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Excluded bool `json:"excluded"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if err := s.assigner.SetExcluded(mux.Vars(r)["name"], req.Excluded); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (s *Server) handleSupervisorStatus(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]any{"services": s.supervisor.StatusAll()})
}

func (s *Server) handleStartService(w http.ResponseWriter, r *http.Request) {
	if err := s.supervisor.StartService(mux.Vars(r)["id"]); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (s *Server) handleStopService(w http.ResponseWriter, r *http.Request) {
	if err := s.supervisor.StopService(mux.Vars(r)["id"]); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (s *Server) handleRestartService(w http.ResponseWriter, r *http.Request) {
	if err := s.supervisor.RestartService(mux.Vars(r)["id"]); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	failovers, err := s.store.ListFailovers()
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"role":      s.coordinator.Role(),
		"nodes":     s.coordinator.Nodes(),
		"failovers": failovers,
	})
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var node types.Node
	if err := decodeBody(r, &node); err != nil {
		respondErr(w, err)
		return
	}
	if err := s.coordinator.RegisterNode(&node); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, map[string]any{"node": node})
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResourceType  string `json:"resource_type"`
		Requester     string `json:"requester"`
		PreferredNode string `json:"preferred_node"`
		Priority      int    `json:"priority"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	alloc, err := s.coordinator.Allocate(req.ResourceType, req.Requester, req.PreferredNode, req.Priority)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, map[string]any{"allocation": alloc})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	released, err := s.coordinator.Release(mux.Vars(r)["id"])
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"released": released})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		respond(w, http.StatusNotImplemented, map[string]any{"success": false, "error": "reload not supported"})
		return
	}
	if err := s.reload(); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func promptID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}
