package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hexfield/stackrunner/internal/consts"
	"github.com/hexfield/stackrunner/internal/dao"
	"github.com/hexfield/stackrunner/internal/graph"
	"github.com/hexfield/stackrunner/internal/metrics"
	"github.com/hexfield/stackrunner/internal/model"
	"github.com/hexfield/stackrunner/internal/service"
)

// Dependencies wires the router to the backing services.
type Dependencies struct {
	Submit  *service.SubmitService
	Rules   *graph.Store
	Flags   dao.FlagDao
	Metrics *metrics.Registry
	Version string
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/api/v1/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/api/v1/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(dep.Version))
	})
	if dep.Metrics != nil {
		r.Handle("/metrics", dep.Metrics.Handler())
	}

	r.Route("/api/v1/requests", func(r chi.Router) {
		r.Post("/", submitRequest(dep))
		r.Get("/", listRequests(dep))
		r.Get("/{id}", requestStatus(dep))
		r.Get("/{id}/result", requestResult(dep))
		r.Post("/{id}/cancel", cancelRequest(dep))
	})

	r.Get("/api/v1/tasks", listTasks(dep))

	r.Route("/api/v1/rules", func(r chi.Router) {
		r.Post("/", upsertRule(dep))
		r.Get("/", listRules(dep))
		r.Get("/{id}", getRule(dep))
		r.Patch("/{id}/enable", setRuleEnabled(dep, true))
		r.Patch("/{id}/disable", setRuleEnabled(dep, false))
		r.Delete("/{id}", deleteRule(dep))
		r.Get("/{id}/requests", ruleRequests(dep))
	})

	r.Post("/api/v1/sources", commitSource(dep))
	r.Put("/api/v1/flags/{key}", setFlag(dep))

	return r
}

func submitRequest(dep Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in service.SubmitInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		out, err := dep.Submit.Submit(r.Context(), in)
		if err != nil {
			writeSvcErr(w, err)
			return
		}
		writeJSON(w, out)
	}
}

func listRequests(dep Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := consts.RequestStatus(strings.TrimSpace(r.URL.Query().Get("status")))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		list, err := dep.Submit.ListPending(r.Context(), limit, status)
		if err != nil {
			writeSvcErr(w, err)
			return
		}
		writeJSON(w, list)
	}
}

func requestStatus(dep Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := dep.Submit.Status(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeSvcErr(w, err)
			return
		}
		writeJSON(w, out)
	}
}

func requestResult(dep Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		includeTrace := r.URL.Query().Get("trace") == "1" || r.URL.Query().Get("trace") == "true"
		out, err := dep.Submit.Result(r.Context(), chi.URLParam(r, "id"), includeTrace)
		if err != nil {
			writeSvcErr(w, err)
			return
		}
		writeJSON(w, out)
	}
}

func cancelRequest(dep Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := dep.Submit.Cancel(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeSvcErr(w, err)
			return
		}
		writeJSON(w, out)
	}
}

func listTasks(dep Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		enabledOnly := r.URL.Query().Get("all") == ""
		filter := strings.TrimSpace(r.URL.Query().Get("filter"))
		list, err := dep.Submit.ListTasks(r.Context(), filter, enabledOnly)
		if err != nil {
			writeSvcErr(w, err)
			return
		}
		writeJSON(w, list)
	}
}

func upsertRule(dep Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rule model.CascadeRule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if rule.Priority == 0 {
			rule.Priority = consts.PriorityDefault
		}
		if err := dep.Rules.UpsertRule(r.Context(), &rule); err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, map[string]any{"rule_id": rule.RuleID})
	}
}

func listRules(dep Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		enabledOnly := r.URL.Query().Get("all") == ""
		list, err := dep.Rules.ListRules(r.Context(), enabledOnly)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, list)
	}
}

func getRule(dep Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rule, err := dep.Rules.GetRule(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeGraphErr(w, err)
			return
		}
		writeJSON(w, rule)
	}
}

func setRuleEnabled(dep Dependencies, enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := dep.Rules.SetRuleEnabled(r.Context(), chi.URLParam(r, "id"), enabled); err != nil {
			writeGraphErr(w, err)
			return
		}
		writeJSON(w, map[string]any{"enabled": enabled})
	}
}

func deleteRule(dep Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := dep.Rules.DeleteRule(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeGraphErr(w, err)
			return
		}
		writeJSON(w, map[string]any{"deleted": true})
	}
}

func ruleRequests(dep Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		list, err := dep.Rules.TriggeredRequests(r.Context(), chi.URLParam(r, "id"), limit)
		if err != nil {
			writeGraphErr(w, err)
			return
		}
		writeJSON(w, list)
	}
}

func commitSource(dep Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var src model.Source
		if err := json.NewDecoder(r.Body).Decode(&src); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if src.SourceID == "" || src.Kind == "" {
			writeErr(w, http.StatusBadRequest, "source_id and kind are required")
			return
		}
		if err := dep.Rules.CommitSource(r.Context(), src); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, map[string]any{"source_id": src.SourceID, "cascade_state": "pending"})
	}
}

func setFlag(dep Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		if key != consts.FlagKillSwitch && key != consts.FlagPauseQueue {
			writeErr(w, http.StatusBadRequest, "unknown flag")
			return
		}
		var body struct {
			On bool `json:"on"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := dep.Flags.Set(r.Context(), key, body.On); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, map[string]any{"key": key, "on": body.On})
	}
}

func writeSvcErr(w http.ResponseWriter, err error) {
	if service.IsValidation(err) {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	writeGraphErr(w, err)
}

func writeGraphErr(w http.ResponseWriter, err error) {
	if _, ok := err.(*graph.ErrNotFound); ok {
		writeErr(w, http.StatusNotFound, err.Error())
		return
	}
	writeErr(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	w.WriteHeader(code)
	writeJSON(w, map[string]string{"error": msg})
}
