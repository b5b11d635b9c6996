package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nydiokar/toolfleet/internal/health"
	"github.com/nydiokar/toolfleet/internal/mcp"
	"github.com/nydiokar/toolfleet/internal/mcp/dispatch"
	"github.com/nydiokar/toolfleet/internal/observe"
)

// usageSource is the optional capability of dispatchers that track per-tool
// usage counters. The mock dispatcher does not implement it; the /tools/usage
// endpoint then serves an empty list.
type usageSource interface {
	Usage() []dispatch.ToolUsage
}

// serverJSON is the wire form of one server status on the admin API.
type serverJSON struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	State        string    `json:"state"`
	StartTime    time.Time `json:"startTime,omitzero"`
	StopTime     time.Time `json:"stopTime,omitzero"`
	LastActivity time.Time `json:"lastActivity,omitzero"`
	RestartCount int       `json:"restartCount"`
	ErrorCount   int       `json:"errorCount"`
	LastError    string    `json:"lastError,omitempty"`
	Flagged      bool      `json:"flagged"`
}

// errorJSON is the wire form of one recorded server error.
type errorJSON struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Source    string    `json:"source"`
}

// toolJSON is the wire form of one catalogue entry.
type toolJSON struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
	ServerID    string         `json:"serverId"`
}

// chainJSON is the wire form of one configured chain.
type chainJSON struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Steps int    `json:"steps"`
}

// runJSON is the wire form of a chain execution outcome. Error carries the
// failure message because the executor's error value does not serialize.
type runJSON struct {
	ChainID     string `json:"chainId"`
	ExecutionID string `json:"executionId"`
	Success     bool   `json:"success"`
	Data        any    `json:"data"`
	Error       string `json:"error,omitempty"`
	DurationMs  int64  `json:"durationMs"`
}

// adminHandler assembles the admin HTTP surface: health probes, Prometheus
// metrics and the read-only fleet endpoints, plus chain execution.
func (a *App) adminHandler() http.Handler {
	mux := http.NewServeMux()

	hh := health.New(health.Checker{Name: "fleet", Check: a.checkFleet})
	hh.Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /servers", a.handleServers)
	mux.HandleFunc("GET /servers/{id}", a.handleServer)
	mux.HandleFunc("GET /servers/{id}/errors", a.handleServerErrors)
	mux.HandleFunc("GET /tools", a.handleTools)
	mux.HandleFunc("GET /tools/usage", a.handleToolUsage)
	mux.HandleFunc("GET /chains", a.handleChains)
	mux.HandleFunc("POST /chains/{id}/run", a.handleChainRun)

	return observe.Middleware(observe.DefaultMetrics())(mux)
}

// checkFleet is the readiness probe. An empty fleet is ready; a configured
// fleet is ready once at least one server is running.
func (a *App) checkFleet(_ context.Context) error {
	statuses := a.manager.AllStatuses()
	if len(statuses) == 0 {
		return nil
	}
	for _, st := range statuses {
		if st.State == mcp.StateRunning {
			return nil
		}
	}
	return fmt.Errorf("0 of %d servers running", len(statuses))
}

func (a *App) handleServers(w http.ResponseWriter, _ *http.Request) {
	statuses := a.manager.AllStatuses()
	out := make([]serverJSON, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, statusJSON(st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) handleServer(w http.ResponseWriter, r *http.Request) {
	st, err := a.manager.Status(r.PathValue("id"))
	if err != nil {
		var nf *mcp.ServerNotFoundError
		if errors.As(err, &nf) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, statusJSON(st))
}

func (a *App) handleServerErrors(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !a.manager.HasServer(id) {
		writeError(w, http.StatusNotFound, &mcp.ServerNotFoundError{ID: id})
		return
	}
	recs := a.manager.ServerErrors(id)
	out := make([]errorJSON, 0, len(recs))
	for _, rec := range recs {
		out = append(out, errorJSON{
			Timestamp: rec.Timestamp,
			Message:   rec.Message,
			Source:    rec.Source,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) handleTools(w http.ResponseWriter, _ *http.Request) {
	tools := a.dispatcher.AvailableTools()
	out := make([]toolJSON, 0, len(tools))
	for _, t := range tools {
		out = append(out, toolJSON{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			ServerID:    t.ServerID,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) handleToolUsage(w http.ResponseWriter, _ *http.Request) {
	if us, ok := a.dispatcher.(usageSource); ok {
		writeJSON(w, http.StatusOK, us.Usage())
		return
	}
	writeJSON(w, http.StatusOK, []dispatch.ToolUsage{})
}

func (a *App) handleChains(w http.ResponseWriter, _ *http.Request) {
	a.mu.RLock()
	out := make([]chainJSON, 0, len(a.chains))
	for _, c := range a.chains {
		out = append(out, chainJSON{ID: c.ID(), Name: c.Name(), Steps: len(c.Steps())})
	}
	a.mu.RUnlock()

	writeJSON(w, http.StatusOK, out)
}

func (a *App) handleChainRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	a.mu.RLock()
	c, ok := a.chains[id]
	a.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown chain %q", id))
		return
	}

	res := a.executor.Execute(r.Context(), c)
	out := runJSON{
		ChainID:     res.ChainID,
		ExecutionID: res.ExecutionID,
		Success:     res.Success,
		Data:        res.Data,
		DurationMs:  res.DurationMs,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

// statusJSON converts a manager status snapshot into its wire form.
func statusJSON(st mcp.ServerStatus) serverJSON {
	return serverJSON{
		ID:           st.ID,
		Name:         st.Name,
		State:        st.State.String(),
		StartTime:    st.StartTime,
		StopTime:     st.StopTime,
		LastActivity: st.LastActivity,
		RestartCount: st.RestartCount,
		ErrorCount:   st.ErrorCount,
		LastError:    st.LastError,
		Flagged:      st.Flagged,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
