package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"emergencyd/internal/coordinator"
	"emergencyd/internal/store"
)

// ClusterHandler serves the inter-node cluster API: the per-node
// snapshots the aggregator reads, plus the leader's write endpoints.
type ClusterHandler struct {
	nodeID int
	store  *store.Store
	coord  *coordinator.Coordinator
}

// NewClusterHandler creates the cluster API handler.
func NewClusterHandler(nodeID int, st *store.Store, coord *coordinator.Coordinator) *ClusterHandler {
	return &ClusterHandler{nodeID: nodeID, store: st, coord: coord}
}

// Health confirms this node is alive.
// GET /api/cluster/health
func (h *ClusterHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"node_id": h.nodeID,
		"message": "Node is healthy",
	})
}

// Doctors lists this ward's doctors.
// GET /api/cluster/doctors?disponible=&activo=
func (h *ClusterHandler) Doctors(w http.ResponseWriter, r *http.Request) {
	doctors, err := h.store.Doctors(h.nodeID, boolParam(r, "disponible"), boolParam(r, "activo"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"node_id": h.nodeID,
		"count":   len(doctors),
		"doctors": doctors,
	})
}

// Beds lists this ward's beds.
// GET /api/cluster/beds?ocupada=
func (h *ClusterHandler) Beds(w http.ResponseWriter, r *http.Request) {
	beds, err := h.store.Beds(h.nodeID, boolParam(r, "ocupada"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"node_id": h.nodeID,
		"count":   len(beds),
		"beds":    beds,
	})
}

// SocialWorkers lists this ward's social workers.
// GET /api/cluster/social-workers?activo=
func (h *ClusterHandler) SocialWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.store.SocialWorkers(h.nodeID, boolParam(r, "activo"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"node_id":        h.nodeID,
		"count":          len(workers),
		"social_workers": workers,
	})
}

// Visits lists this ward's visits.
// GET /api/cluster/visits?estado=&limit=
func (h *ClusterHandler) Visits(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	visits, err := h.store.Visits(h.nodeID, r.URL.Query().Get("estado"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"node_id": h.nodeID,
		"count":   len(visits),
		"visits":  visits,
	})
}

// Patients lists registered patients.
// GET /api/cluster/patients?limit=&activo=
func (h *ClusterHandler) Patients(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	patients, err := h.store.Patients(limit, boolParam(r, "activo"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"node_id":  h.nodeID,
		"count":    len(patients),
		"patients": patients,
	})
}

// Stats returns this node's capacity counts.
// GET /api/cluster/stats
func (h *ClusterHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(h.nodeID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// CreateVisit is the leader's mutual-exclusion entry point. Followers
// forward their visit creations here.
// POST /api/cluster/create-visit
func (h *ClusterHandler) CreateVisit(w http.ResponseWriter, r *http.Request) {
	var req coordinator.CreateVisitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PacienteID == 0 || req.DoctorID == 0 || req.CamaID == 0 || req.TrabajadorID == 0 || req.SalaID == 0 || req.Sintomas == "" {
		respondError(w, http.StatusBadRequest, "missing required fields")
		return
	}

	visit, err := h.coord.LeaderCreateVisit(&req)
	if err != nil {
		respondCoordError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"folio":   visit.Folio,
		"visita":  visit,
	})
}

// ReplicateVisit receives a visit the leader committed. Idempotent on
// the folio.
// POST /api/cluster/replicate-visit
func (h *ClusterHandler) ReplicateVisit(w http.ResponseWriter, r *http.Request) {
	var v store.Visit
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if v.Folio == "" {
		respondError(w, http.StatusBadRequest, "folio is required")
		return
	}

	if err := h.coord.ReceiveReplicatedVisit(&v); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{"success": true})
}

// CloseVisit is the leader's closure endpoint, used by follower
// proxies.
// POST /api/cluster/close-visit
func (h *ClusterHandler) CloseVisit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Folio       string `json:"folio"`
		Diagnostico string `json:"diagnostico"`
		DoctorID    int    `json:"id_doctor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Folio == "" || req.Diagnostico == "" {
		respondError(w, http.StatusBadRequest, "folio and diagnostico are required")
		return
	}

	visit, err := h.coord.LeaderCloseVisit(req.Folio, req.Diagnostico, req.DoctorID)
	if err != nil {
		respondCoordError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"visita":  visit,
	})
}
