package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ikoceski/planflow/internal/log"
	"github.com/ikoceski/planflow/pkg/models"
	"github.com/ikoceski/planflow/pkg/session"
)

// StartServer exposes the session control surface over HTTP.
func StartServer(port string, mgr *session.Manager) error {
	mux := NewMux(mgr)
	log.GetLogger().Infof("Starting PlanFlow server on :%s", port)
	return http.ListenAndServe(":"+port, mux)
}

// NewMux builds the route table. Split out so tests can mount it on
// httptest.Server.
func NewMux(mgr *session.Manager) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/sessions", SessionsHandler(mgr))
	mux.HandleFunc("/sessions/", SessionByRequestHandler(mgr))
	return mux
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "PlanFlow server is running")
}

type sessionView struct {
	SessionID string               `json:"session_id"`
	RequestID string               `json:"request_id"`
	PlanID    string               `json:"plan_id"`
	Project   string               `json:"project"`
	Status    models.SessionStatus `json:"status"`
}

func viewOf(s *session.Session) sessionView {
	return sessionView{
		SessionID: s.ID,
		RequestID: s.RequestID,
		PlanID:    s.PlanID,
		Project:   s.Project,
		Status:    s.Status(),
	}
}

// SessionsHandler lists every session known to the manager.
func SessionsHandler(mgr *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		views := []sessionView{}
		for _, s := range mgr.Sessions() {
			views = append(views, viewOf(s))
		}
		writeJSON(w, http.StatusOK, views)
	}
}

// SessionByRequestHandler routes /sessions/{request} and its sub-resources:
//
//	GET  /sessions/{request}                       session summary
//	GET  /sessions/{request}/tasks                 task statuses
//	GET  /sessions/{request}/progress              aggregate counts
//	GET  /sessions/{request}/conflicts             pending merge conflicts
//	POST /sessions/{request}/pause                 suspend dispatch
//	POST /sessions/{request}/resume                resume dispatch
//	POST /sessions/{request}/cancel                abort the run
//	POST /sessions/{request}/tasks/{task}/retry    re-run a failed task
//	POST /sessions/{request}/tasks/{task}/skip     skip a failed task
//	POST /sessions/{request}/conflicts/{id}/resolve apply a resolution
func SessionByRequestHandler(mgr *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/sessions/"), "/"), "/")
		if len(parts) == 0 || parts[0] == "" {
			writeError(w, http.StatusBadRequest, "Missing request id")
			return
		}
		requestID := parts[0]
		rest := parts[1:]

		s, err := mgr.Get(requestID)
		if err != nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("No session for request %s", requestID))
			return
		}

		switch {
		case len(rest) == 0 && r.Method == http.MethodGet:
			writeJSON(w, http.StatusOK, viewOf(s))
		case len(rest) == 1 && rest[0] == "tasks" && r.Method == http.MethodGet:
			writeJSON(w, http.StatusOK, s.Tasks())
		case len(rest) == 1 && rest[0] == "progress" && r.Method == http.MethodGet:
			writeJSON(w, http.StatusOK, s.Progress())
		case len(rest) == 1 && rest[0] == "conflicts" && r.Method == http.MethodGet:
			writeJSON(w, http.StatusOK, s.PendingConflicts())
		case len(rest) == 1 && r.Method == http.MethodPost:
			lifecycleAction(w, r, mgr, requestID, rest[0])
		case len(rest) == 3 && rest[0] == "tasks" && r.Method == http.MethodPost:
			taskAction(w, r, mgr, requestID, rest[1], rest[2])
		case len(rest) == 3 && rest[0] == "conflicts" && rest[2] == "resolve" && r.Method == http.MethodPost:
			resolveConflict(w, r, s, rest[1])
		default:
			writeError(w, http.StatusNotFound, "Unknown session resource")
		}
	}
}

func lifecycleAction(w http.ResponseWriter, r *http.Request, mgr *session.Manager, requestID, action string) {
	var err error
	switch action {
	case "pause":
		err = mgr.Pause(r.Context(), requestID)
	case "resume":
		err = mgr.Resume(r.Context(), requestID)
	case "cancel":
		err = mgr.Cancel(r.Context(), requestID)
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("Unknown action %q", action))
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("Session %s: %s applied", requestID, action)})
}

func taskAction(w http.ResponseWriter, r *http.Request, mgr *session.Manager, requestID, taskID, action string) {
	switch action {
	case "retry":
		ok, err := mgr.RetryTask(r.Context(), requestID, taskID)
		if err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"task_id": taskID, "succeeded": ok})
	case "skip":
		if err := mgr.SkipTask(requestID, taskID); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("Task %s skipped", taskID)})
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("Unknown task action %q", action))
	}
}

func resolveConflict(w http.ResponseWriter, r *http.Request, s *session.Session, conflictID string) {
	var res models.Resolution
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid resolution body: %v", err))
		return
	}
	merge, err := s.ResolveConflict(r.Context(), conflictID, res)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, merge)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
