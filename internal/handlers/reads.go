package handlers

import (
	"net/http"
	"strconv"

	"emergencyd/internal/aggregator"
)

// AggregateHandler serves the cluster-wide merged read endpoints used
// by the operator console.
type AggregateHandler struct {
	agg *aggregator.Aggregator
}

// NewAggregateHandler creates the aggregated read handler.
func NewAggregateHandler(agg *aggregator.Aggregator) *AggregateHandler {
	return &AggregateHandler{agg: agg}
}

// AllDoctors merges doctor listings across the cluster.
// GET /api/cluster/all-doctors?disponible=&activo=
func (h *AggregateHandler) AllDoctors(w http.ResponseWriter, r *http.Request) {
	sections, err := h.agg.Doctors(boolParam(r, "disponible"), boolParam(r, "activo"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"nodes": sections})
}

// AllBeds merges bed listings across the cluster.
// GET /api/cluster/all-beds?ocupada=
func (h *AggregateHandler) AllBeds(w http.ResponseWriter, r *http.Request) {
	sections, err := h.agg.Beds(boolParam(r, "ocupada"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"nodes": sections})
}

// AllVisits merges visit listings across the cluster.
// GET /api/cluster/all-visits?estado=&limit=
func (h *AggregateHandler) AllVisits(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	sections, err := h.agg.Visits(r.URL.Query().Get("estado"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"nodes": sections})
}

// AllStats sums capacity stats across live nodes; silent nodes are
// listed offline.
// GET /api/cluster/all-stats
func (h *AggregateHandler) AllStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.agg.Stats()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
