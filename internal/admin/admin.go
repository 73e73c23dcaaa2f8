// Package admin expõe uma superfície HTTP administrativa sobre o agregado de
// filtragem e o suavizador: consulta de contadores por cliente, remoção e
// limpeza total. Não é para ficar exposta na borda.
package admin

import (
	"encoding/json"
	"net/http"

	"filtering-gateway/middleware/edgefilter/domain"
	"filtering-gateway/middleware/edgefilter/infra"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Handler monta o roteador administrativo.
type Handler struct {
	events   domain.EventStore
	smoother *infra.RateSmoother
	log      zerolog.Logger
}

func NewHandler(events domain.EventStore, smoother *infra.RateSmoother, log zerolog.Logger) *Handler {
	return &Handler{events: events, smoother: smoother, log: log}
}

// Router devolve o mux com as rotas administrativas.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.HandleFunc("/clients/{key}/counters", h.counters).Methods(http.MethodGet)
	r.HandleFunc("/clients/{key}/smoother", h.smootherSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/clients/{key}", h.removeClient).Methods(http.MethodDelete)
	r.HandleFunc("/clear", h.clear).Methods(http.MethodPost)
	return r
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// countersResponse achata o agregado do cliente para JSON.
type countersResponse struct {
	ClientKey string           `json:"client_key"`
	Blacklist int64            `json:"blacklist"`
	Unmatched int64            `json:"unmatched"`
	BySource  map[string]int64 `json:"by_source"`
	ByOutcome map[string]int64 `json:"by_outcome"`
}

func (h *Handler) counters(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	ctx := r.Context()

	blacklist, err := h.events.BlacklistCount(ctx, key)
	if err != nil {
		h.fail(w, err)
		return
	}
	unmatched, err := h.events.UnmatchedCount(ctx, key)
	if err != nil {
		h.fail(w, err)
		return
	}
	bySource, err := h.events.BySource(ctx, key)
	if err != nil {
		h.fail(w, err)
		return
	}
	byOutcome, err := h.events.ByOutcome(ctx, key)
	if err != nil {
		h.fail(w, err)
		return
	}

	resp := countersResponse{
		ClientKey: key,
		Blacklist: blacklist,
		Unmatched: unmatched,
		BySource:  bySource,
		ByOutcome: make(map[string]int64, len(byOutcome)),
	}
	for out, n := range byOutcome {
		resp.ByOutcome[out.String()] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) smootherSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.smoother == nil {
		http.Error(w, "smoother disabled", http.StatusNotFound)
		return
	}
	key := mux.Vars(r)["key"]
	snap, ok := h.smoother.Snapshot(key)
	if !ok {
		http.Error(w, "no state for client", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) removeClient(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	filter := domain.RemoveFilter{Source: r.URL.Query().Get("source")}
	if err := h.events.Remove(r.Context(), key, filter); err != nil {
		h.fail(w, err)
		return
	}
	h.log.Info().Str("client", key).Str("source", filter.Source).Msg("client counters removed")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) clear(w http.ResponseWriter, r *http.Request) {
	if err := h.events.Clear(r.Context()); err != nil {
		h.fail(w, err)
		return
	}
	h.log.Info().Msg("event store cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	h.log.Error().Err(err).Msg("admin request failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
