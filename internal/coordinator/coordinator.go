// Package coordinator implements the cluster write path. Writes enter
// at any node; a follower proxies them to the leader, the leader
// serializes visit creation behind the distributed locks and its own
// mutex, commits to the local store and replicates the result to every
// peer. Receivers are idempotent on the folio, so at-least-once
// replication is safe.
package coordinator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"emergencyd/internal/discovery"
	"emergencyd/internal/election"
	"emergencyd/internal/locks"
	"emergencyd/internal/store"
	"emergencyd/internal/transport"
)

const (
	proxyRetries     = 3
	folioRetries     = 5
	replicateTimeout = 5 * time.Second
)

// Notifier receives coordinator events for the monitoring feed. May be
// nil.
type Notifier func(event string, data interface{})

// Coordinator orchestrates distributed writes for one node.
type Coordinator struct {
	nodeID       int
	baseHTTPPort int

	store    *store.Store
	locks    *locks.Manager
	election *election.Engine
	table    *discovery.Table
	client   *transport.Client
	http     *http.Client

	notify Notifier

	// visitMu serializes visit creation on the leader (held for the
	// whole lock-check-commit-replicate sequence).
	visitMu sync.Mutex
}

// New creates a coordinator.
func New(nodeID, baseHTTPPort int, st *store.Store, lm *locks.Manager, el *election.Engine,
	table *discovery.Table, client *transport.Client, notify Notifier) *Coordinator {
	return &Coordinator{
		nodeID:       nodeID,
		baseHTTPPort: baseHTTPPort,
		store:        st,
		locks:        lm,
		election:     el,
		table:        table,
		client:       client,
		http:         &http.Client{Timeout: replicateTimeout},
		notify:       notify,
	}
}

func (c *Coordinator) emit(event string, data interface{}) {
	if c.notify != nil {
		c.notify(event, data)
	}
}

// ── CreatePatient ───────────────────────────────────────────────────────────

// CreatePatient validates and inserts a patient locally, then spreads
// it to peers best-effort (patients carry their id, so replays are
// harmless).
func (c *Coordinator) CreatePatient(p *store.Patient) (int64, error) {
	if err := validatePatient(p); err != nil {
		return 0, err
	}
	id, err := c.store.CreatePatient(p)
	if err != nil {
		return 0, err
	}
	p.ID = id

	if cmd, err := transport.NewCommand(transport.ActionInsertPatient, p); err == nil {
		go c.broadcast(cmd)
	}
	return id, nil
}

func validatePatient(p *store.Patient) error {
	if p.Nombre == "" {
		return errf(KindValidation, "nombre is required")
	}
	if p.Edad != nil && (*p.Edad < 0 || *p.Edad > 150) {
		return errf(KindValidation, "edad %d out of range", *p.Edad)
	}
	if p.Sexo != nil && *p.Sexo != "M" && *p.Sexo != "F" {
		return errf(KindValidation, "sexo must be M or F")
	}
	if p.CURP != nil && len(*p.CURP) != 18 {
		return errf(KindValidation, "curp must be 18 characters")
	}
	return nil
}

// ── CreateVisit ─────────────────────────────────────────────────────────────

// CreateVisitRequest is the wire form of a visit creation, shared by
// the console flow and the follower→leader proxy.
type CreateVisitRequest struct {
	PacienteID   int64  `json:"id_paciente"`
	DoctorID     int    `json:"id_doctor"`
	CamaID       int    `json:"id_cama"`
	TrabajadorID int    `json:"id_trabajador"`
	SalaID       int    `json:"id_sala"`
	Sintomas     string `json:"sintomas"`
}

// CreateVisit creates an emergency visit with cluster-wide agreement.
// On a follower the request is proxied to the leader.
func (c *Coordinator) CreateVisit(req *CreateVisitRequest) (*store.Visit, error) {
	if c.election.IsLeader() {
		return c.LeaderCreateVisit(req)
	}
	return c.proxyCreateVisit(req)
}

// LeaderCreateVisit is the authoritative path: locks, transactional
// re-read, folio mint, commit, replicate.
func (c *Coordinator) LeaderCreateVisit(req *CreateVisitRequest) (*store.Visit, error) {
	c.visitMu.Lock()
	defer c.visitMu.Unlock()

	if _, err := c.store.PatientByID(req.PacienteID); err != nil {
		return nil, errf(KindNotFound, "patient %d not found", req.PacienteID)
	}
	doctor, err := c.store.DoctorByID(req.DoctorID)
	if err != nil {
		return nil, errf(KindNotFound, "doctor %d not found", req.DoctorID)
	}
	bed, err := c.store.BedByID(req.CamaID)
	if err != nil {
		return nil, errf(KindNotFound, "bed %d not found", req.CamaID)
	}
	if _, err := c.store.SocialWorkerByID(req.TrabajadorID); err != nil {
		return nil, errf(KindNotFound, "social worker %d not found", req.TrabajadorID)
	}
	if !doctor.Disponible || !doctor.Activo {
		return nil, errf(KindResourceBusy, "doctor %s is not available", doctor.Nombre)
	}
	if bed.Ocupada {
		return nil, errf(KindResourceBusy, "bed %d is occupied", bed.Numero)
	}

	keys := []locks.Key{
		{Kind: transport.KindDoctor, ID: req.DoctorID},
		{Kind: transport.KindBed, ID: req.CamaID},
	}
	if err := c.locks.AcquireMany(keys); err != nil {
		switch {
		case errors.Is(err, locks.ErrResourceBusy):
			return nil, wrap(KindResourceBusy, err)
		case errors.Is(err, locks.ErrDenied):
			return nil, wrap(KindLockDenied, err)
		default:
			return nil, err
		}
	}
	defer c.locks.ReleaseMany(keys)

	visit, err := c.insertWithFolio(req)
	if err != nil {
		return nil, err
	}

	okCount, failed := c.replicateVisit(visit)
	if len(failed) > 0 {
		log.Printf("COORDINATOR: visit %s replicated to %d nodes, failed_nodes=%v", visit.Folio, okCount, failed)
	} else {
		log.Printf("COORDINATOR: visit %s replicated to %d nodes", visit.Folio, okCount)
	}
	c.emit("visit_created", visit)
	return visit, nil
}

// insertWithFolio mints a folio and commits the visit. A folio clash
// (replicated visit arriving between mint and insert) retries with a
// fresh sequence number, then falls back to the timestamp form.
func (c *Coordinator) insertWithFolio(req *CreateVisitRequest) (*store.Visit, error) {
	for attempt := 0; attempt <= folioRetries; attempt++ {
		var folio string
		if attempt < folioRetries {
			seq, err := c.store.NextConsecutivo(req.SalaID)
			if err != nil {
				return nil, err
			}
			folio = fmt.Sprintf("%d+%d+%d+%03d", req.PacienteID, req.DoctorID, req.SalaID, seq)
			if exists, err := c.store.FolioExists(folio); err != nil {
				return nil, err
			} else if exists {
				continue
			}
		} else {
			folio = fmt.Sprintf("%d%d%d%d", req.PacienteID, req.DoctorID, req.SalaID, time.Now().Unix())
		}

		visit := &store.Visit{
			Folio:        folio,
			PacienteID:   req.PacienteID,
			DoctorID:     req.DoctorID,
			CamaID:       req.CamaID,
			TrabajadorID: req.TrabajadorID,
			SalaID:       req.SalaID,
			Sintomas:     req.Sintomas,
			Estado:       store.VisitActive,
			Timestamp:    store.Now(),
		}
		ok, err := c.store.CreateVisit(visit)
		if errors.Is(err, store.ErrDuplicateFolio) {
			continue
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, wrap(KindNotFound, err)
		}
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errf(KindResourceBusy, "resource taken at commit")
		}
		return visit, nil
	}
	return nil, errf(KindResourceBusy, "could not mint a unique folio")
}

// replicateVisit POSTs the committed record to every peer's
// replication endpoint and returns the success count plus the ids that
// failed. Partial failure never fails the call — the leader's commit is
// authoritative.
func (c *Coordinator) replicateVisit(v *store.Visit) (int, []int) {
	peers := c.table.Snapshot()
	if len(peers) == 0 {
		return 0, nil
	}

	type result struct {
		id int
		ok bool
	}
	results := make(chan result, len(peers))
	body, _ := json.Marshal(v)

	for _, p := range peers {
		go func(p discovery.Peer) {
			url := p.HTTPAddr(c.baseHTTPPort) + "/api/cluster/replicate-visit"
			ok := c.postJSON(url, body)
			results <- result{id: p.ID, ok: ok}
		}(p)
	}

	okCount := 0
	var failed []int
	for range peers {
		r := <-results
		if r.ok {
			okCount++
		} else {
			failed = append(failed, r.id)
		}
	}
	return okCount, failed
}

func (c *Coordinator) postJSON(url string, body []byte) bool {
	resp, err := c.http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < 300
}

// proxyCreateVisit forwards the request to the leader, re-resolving the
// leader between attempts — it may change mid-flight when elections
// overlap the call.
func (c *Coordinator) proxyCreateVisit(req *CreateVisitRequest) (*store.Visit, error) {
	body, _ := json.Marshal(req)

	for attempt := 0; attempt < proxyRetries; attempt++ {
		leaderURL, ok := c.leaderURL()
		if !ok {
			time.Sleep(time.Second)
			continue
		}

		resp, err := c.http.Post(leaderURL+"/api/cluster/create-visit", "application/json", bytes.NewReader(body))
		if err != nil {
			log.Printf("COORDINATOR: proxy attempt %d/%d failed: %v", attempt+1, proxyRetries, err)
			continue
		}

		var out struct {
			Success bool         `json:"success"`
			Error   string       `json:"error"`
			Folio   string       `json:"folio"`
			Visita  *store.Visit `json:"visita"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()

		if resp.StatusCode >= 500 || decodeErr != nil {
			log.Printf("COORDINATOR: proxy attempt %d/%d got status %d", attempt+1, proxyRetries, resp.StatusCode)
			continue
		}
		if !out.Success {
			return nil, leaderError(resp.StatusCode, out.Error)
		}
		return out.Visita, nil
	}
	return nil, errf(KindNoLeader, "no leader reachable after %d attempts", proxyRetries)
}

// leaderError maps the leader's HTTP rejection back into the error
// taxonomy so followers surface the same kinds the leader would.
func leaderError(status int, msg string) error {
	switch status {
	case http.StatusNotFound:
		return errf(KindNotFound, "%s", msg)
	case http.StatusConflict:
		return errf(KindResourceBusy, "%s", msg)
	case http.StatusForbidden:
		return errf(KindNotAssigned, "%s", msg)
	case http.StatusGone:
		return errf(KindAlreadyClosed, "%s", msg)
	default:
		return errf(KindValidation, "%s", msg)
	}
}

// leaderURL resolves the current leader's cluster API base URL.
func (c *Coordinator) leaderURL() (string, bool) {
	leaderID, known := c.election.Leader()
	if !known || leaderID == c.nodeID {
		return "", false
	}
	peer, ok := c.table.Get(leaderID)
	if !ok {
		return "", false
	}
	return peer.HTTPAddr(c.baseHTTPPort), true
}

// ── CloseVisit ──────────────────────────────────────────────────────────────

// closePayload is the replicated form of a visit closure.
type closePayload struct {
	Folio       string `json:"folio"`
	Diagnostico string `json:"diagnostico"`
	FechaCierre string `json:"fecha_cierre"`
}

// CloseVisit completes a visit. Only the doctor the visit is assigned
// to may close it. Followers proxy to the leader.
func (c *Coordinator) CloseVisit(folio, diagnostico string, doctorID int) (*store.Visit, error) {
	if diagnostico == "" {
		return nil, errf(KindValidation, "diagnostico is required")
	}
	if !c.election.IsLeader() {
		return c.proxyCloseVisit(folio, diagnostico, doctorID)
	}
	return c.LeaderCloseVisit(folio, diagnostico, doctorID)
}

// LeaderCloseVisit applies the closure locally and replicates it.
func (c *Coordinator) LeaderCloseVisit(folio, diagnostico string, doctorID int) (*store.Visit, error) {
	visit, err := c.store.CloseVisit(folio, diagnostico, doctorID, store.Now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, errf(KindNotFound, "visit %s not found", folio)
	case errors.Is(err, store.ErrVisitClosed):
		return nil, errf(KindAlreadyClosed, "visit %s is not active", folio)
	case errors.Is(err, store.ErrNotAssigned):
		return nil, errf(KindNotAssigned, "visit %s belongs to another doctor", folio)
	case err != nil:
		return nil, err
	}

	payload := closePayload{Folio: visit.Folio, Diagnostico: diagnostico}
	if visit.FechaCierre != nil {
		payload.FechaCierre = *visit.FechaCierre
	}
	if cmd, err := transport.NewCommand(transport.ActionCloseVisit, payload); err == nil {
		go c.broadcast(cmd)
	}
	c.emit("visit_closed", visit)
	return visit, nil
}

func (c *Coordinator) proxyCloseVisit(folio, diagnostico string, doctorID int) (*store.Visit, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"folio":       folio,
		"diagnostico": diagnostico,
		"id_doctor":   doctorID,
	})

	for attempt := 0; attempt < proxyRetries; attempt++ {
		leaderURL, ok := c.leaderURL()
		if !ok {
			time.Sleep(time.Second)
			continue
		}

		resp, err := c.http.Post(leaderURL+"/api/cluster/close-visit", "application/json", bytes.NewReader(body))
		if err != nil {
			log.Printf("COORDINATOR: close proxy attempt %d/%d failed: %v", attempt+1, proxyRetries, err)
			continue
		}

		var out struct {
			Success bool         `json:"success"`
			Error   string       `json:"error"`
			Visita  *store.Visit `json:"visita"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()

		if resp.StatusCode >= 500 || decodeErr != nil {
			continue
		}
		if !out.Success {
			return nil, leaderError(resp.StatusCode, out.Error)
		}
		return out.Visita, nil
	}
	return nil, errf(KindNoLeader, "no leader reachable after %d attempts", proxyRetries)
}

// ── IncrementSequence ───────────────────────────────────────────────────────

// seqPayload is the replicated form of a sequence advance.
type seqPayload struct {
	SalaID int `json:"id_sala"`
}

// IncrementSequence advances the per-ward folio counter and propagates
// the advance by majority consensus. The local counter moves first, so
// a failed quorum is logged but the new value is still returned.
func (c *Coordinator) IncrementSequence(salaID int) (int, error) {
	seq, err := c.store.NextConsecutivo(salaID)
	if err != nil {
		return 0, err
	}

	cmd, err := transport.NewCommand(transport.ActionIncrementSequence, seqPayload{SalaID: salaID})
	if err != nil {
		return seq, nil
	}
	if err := c.Consensus(cmd); err != nil {
		log.Printf("COORDINATOR: sequence increment for sala %d: %v", salaID, err)
	}
	return seq, nil
}
