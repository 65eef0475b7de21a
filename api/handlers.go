package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"logcorr/storage"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string, err error, logger *zap.SugaredLogger) {
	if logger != nil && status >= http.StatusInternalServerError {
		logger.Errorw(message, "error", err, "status_code", status)
	}
	writeJSON(w, status, errorResponse{Error: message})
}

type healthResponse struct {
	Status           string    `json:"status"`
	Time             time.Time `json:"time"`
	Rules            int       `json:"rules"`
	WebSocketClients int       `json:"websocket_clients"`
}

func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "healthy",
		Time:   a.opts.Clock().UTC(),
		Rules:  len(a.opts.Rules),
	}
	if a.opts.Hub != nil {
		resp.WebSocketClients = a.opts.Hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

// getStats returns the engine counters as JSON, or the text report with ?format=text.
func (a *API) getStats(w http.ResponseWriter, r *http.Request) {
	if a.opts.Stats == nil {
		writeError(w, http.StatusServiceUnavailable, "statistics unavailable", nil, nil)
		return
	}
	snap := a.opts.Stats.Snapshot(a.opts.Clock())
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, line := range snap.Report() {
			fmt.Fprintln(w, line)
		}
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type ruleSummary struct {
	GID       uint64 `json:"gid"`
	SID       uint64 `json:"sid"`
	Rev       int    `json:"rev"`
	Msg       string `json:"msg"`
	Classtype string `json:"classtype,omitempty"`
	Priority  int    `json:"priority,omitempty"`
	File      string `json:"file,omitempty"`
	Line      int    `json:"line,omitempty"`
}

func (a *API) getRules(w http.ResponseWriter, r *http.Request) {
	out := make([]ruleSummary, 0, len(a.opts.Rules))
	for _, rule := range a.opts.Rules {
		out = append(out, ruleSummary{
			GID: rule.GID, SID: rule.SID, Rev: rule.Rev, Msg: rule.Msg,
			Classtype: rule.Classtype, Priority: rule.Priority,
			File: rule.File, Line: rule.Line,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func parseAlertFilter(r *http.Request) (storage.AlertFilter, error) {
	q := r.URL.Query()
	var f storage.AlertFilter
	var err error

	parseUint := func(key string) (uint64, error) {
		v := q.Get(key)
		if v == "" {
			return 0, nil
		}
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %q", key, v)
		}
		return n, nil
	}
	parseInt := func(key string) (int, error) {
		v := q.Get(key)
		if v == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid %s: %q", key, v)
		}
		return n, nil
	}
	parseTime := func(key string) (time.Time, error) {
		v := q.Get(key)
		if v == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid %s: %q", key, v)
		}
		return t, nil
	}

	if f.GID, err = parseUint("gid"); err != nil {
		return f, err
	}
	if f.SID, err = parseUint("sid"); err != nil {
		return f, err
	}
	if f.Limit, err = parseInt("limit"); err != nil {
		return f, err
	}
	if f.Offset, err = parseInt("offset"); err != nil {
		return f, err
	}
	if f.Since, err = parseTime("since"); err != nil {
		return f, err
	}
	if f.Until, err = parseTime("until"); err != nil {
		return f, err
	}
	f.SrcIP = q.Get("src_ip")
	f.DstIP = q.Get("dst_ip")
	if f.Limit == 0 {
		f.Limit = 100
	}
	return f, nil
}

func (a *API) getAlerts(w http.ResponseWriter, r *http.Request) {
	if a.opts.Alerts == nil {
		writeError(w, http.StatusServiceUnavailable, "alert storage disabled", nil, nil)
		return
	}
	f, err := parseAlertFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), err, nil)
		return
	}
	alerts, err := a.opts.Alerts.ListAlerts(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list alerts", err, a.logger)
		return
	}
	total, err := a.opts.Alerts.CountAlerts(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count alerts", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"total":  total,
	})
}

func (a *API) getAlert(w http.ResponseWriter, r *http.Request) {
	if a.opts.Alerts == nil {
		writeError(w, http.StatusServiceUnavailable, "alert storage disabled", nil, nil)
		return
	}
	alert, err := a.opts.Alerts.GetAlert(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "alert not found", nil, nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get alert", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (a *API) streamAlerts(w http.ResponseWriter, r *http.Request) {
	if a.opts.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "alert stream disabled", nil, nil)
		return
	}
	serveWs(a.opts.Hub, a.logger, w, r)
}
