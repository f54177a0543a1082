package handlers

import (
	"encoding/json"
	"net/http"

	"emergencyd/internal/coordinator"
	"emergencyd/internal/election"
	"emergencyd/internal/store"
)

// BoundaryHandler exposes the system-boundary write operations to the
// ward console: register patient, create visit, close visit, advance
// the folio sequence. The caller may hit any node — followers proxy to
// the leader inside the coordinator.
type BoundaryHandler struct {
	nodeID int
	coord  *coordinator.Coordinator
	elect  *election.Engine
	auth   *AuthHandler
}

// NewBoundaryHandler creates the boundary handler.
func NewBoundaryHandler(nodeID int, coord *coordinator.Coordinator, elect *election.Engine, auth *AuthHandler) *BoundaryHandler {
	return &BoundaryHandler{nodeID: nodeID, coord: coord, elect: elect, auth: auth}
}

// CreatePatient registers a patient.
// POST /api/patients
func (h *BoundaryHandler) CreatePatient(w http.ResponseWriter, r *http.Request) {
	var p store.Patient
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := h.coord.CreatePatient(&p)
	if err != nil {
		respondCoordError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"success":     true,
		"id_paciente": id,
	})
}

// CreateVisit creates an emergency visit from any node.
// POST /api/visits
func (h *BoundaryHandler) CreateVisit(w http.ResponseWriter, r *http.Request) {
	var req coordinator.CreateVisitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SalaID == 0 {
		req.SalaID = h.nodeID
	}
	if req.PacienteID == 0 || req.DoctorID == 0 || req.CamaID == 0 || req.TrabajadorID == 0 || req.Sintomas == "" {
		respondError(w, http.StatusBadRequest, "missing required fields")
		return
	}

	visit, err := h.coord.CreateVisit(&req)
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

// CloseVisit completes a visit. Doctors only; the session identifies
// which doctor is asking, and the coordinator enforces ownership.
// POST /api/visits/close  body: {"folio":..., "diagnostico":...}
func (h *BoundaryHandler) CloseVisit(w http.ResponseWriter, r *http.Request) {
	user, ok := h.auth.UserForRequest(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "login required")
		return
	}
	if user.Rol != store.RoleDoctor || user.IDRelacionado == nil {
		respondError(w, http.StatusForbidden, "only doctors can close visits")
		return
	}

	var req struct {
		Folio       string `json:"folio"`
		Diagnostico string `json:"diagnostico"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Folio == "" {
		respondError(w, http.StatusBadRequest, "folio is required")
		return
	}

	visit, err := h.coord.CloseVisit(req.Folio, req.Diagnostico, *user.IDRelacionado)
	if err != nil {
		respondCoordError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"visita":  visit,
	})
}

// IncrementSequence advances the per-ward folio counter.
// POST /api/sequence/increment  body: {"id_sala":...}
func (h *BoundaryHandler) IncrementSequence(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SalaID int `json:"id_sala"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SalaID == 0 {
		req.SalaID = h.nodeID
	}

	seq, err := h.coord.IncrementSequence(req.SalaID)
	if err != nil {
		respondCoordError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"id_sala": req.SalaID,
		"seq":     seq,
	})
}

// Status reports this node's view of the election.
// GET /api/node/status
func (h *BoundaryHandler) Status(w http.ResponseWriter, r *http.Request) {
	leader, known := h.elect.Leader()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"node_id":   h.nodeID,
		"state":     h.elect.State(),
		"term":      h.elect.Term(),
		"leader":    leader,
		"has_leader": known,
		"is_leader": h.elect.IsLeader(),
	})
}
