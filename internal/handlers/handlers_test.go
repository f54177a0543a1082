package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"emergencyd/internal/coordinator"
	"emergencyd/internal/discovery"
	"emergencyd/internal/election"
	"emergencyd/internal/locks"
	"emergencyd/internal/store"
	"emergencyd/internal/transport"
)

// newTestNode builds a single-node leader with seeded ward data and a
// router carrying the cluster API plus the boundary endpoints.
func newTestNode(t *testing.T) (*store.Store, *AuthHandler, *httptest.Server) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sala.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Seed(1); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := st.CreatePatient(&store.Patient{Nombre: "Ana García"}); err != nil {
		t.Fatalf("patient: %v", err)
	}

	table := discovery.NewTable()
	client := &transport.Client{}
	elect := election.NewEngine(election.Options{
		NodeID: 1, HeartbeatInterval: time.Second, LeaderTimeout: time.Second,
	}, table, client)
	elect.StartElection()
	lm := locks.NewManager(1, table, client, st.ResourceFree)
	coord := coordinator.New(1, 5000, st, lm, elect, table, client, nil)

	auth := NewAuthHandler(st)
	clusterHandler := NewClusterHandler(1, st, coord)
	boundary := NewBoundaryHandler(1, coord, elect, auth)

	r := mux.NewRouter()
	r.HandleFunc("/api/auth/login", auth.Login).Methods("POST")
	r.HandleFunc("/api/cluster/health", clusterHandler.Health).Methods("GET")
	r.HandleFunc("/api/cluster/doctors", clusterHandler.Doctors).Methods("GET")
	r.HandleFunc("/api/cluster/create-visit", clusterHandler.CreateVisit).Methods("POST")
	r.HandleFunc("/api/cluster/replicate-visit", clusterHandler.ReplicateVisit).Methods("POST")
	r.HandleFunc("/api/cluster/close-visit", clusterHandler.CloseVisit).Methods("POST")
	r.HandleFunc("/api/visits", boundary.CreateVisit).Methods("POST")
	r.HandleFunc("/api/visits/close", boundary.CloseVisit).Methods("POST")
	r.HandleFunc("/api/sequence/increment", boundary.IncrementSequence).Methods("POST")
	r.HandleFunc("/api/node/status", boundary.Status).Methods("GET")

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return st, auth, srv
}

func postJSON(t *testing.T, url string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	data, _ := json.Marshal(body)
	req, _ := http.NewRequest("POST", url, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthEndpoint(t *testing.T) {
	_, _, srv := newTestNode(t)

	resp, err := http.Get(srv.URL + "/api/cluster/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()

	var out struct {
		Status string `json:"status"`
		NodeID int    `json:"node_id"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	if out.Status != "ok" || out.NodeID != 1 {
		t.Errorf("health = %+v", out)
	}
}

func TestDoctorsEndpoint_Filter(t *testing.T) {
	_, _, srv := newTestNode(t)

	resp, err := http.Get(srv.URL + "/api/cluster/doctors?disponible=true")
	if err != nil {
		t.Fatalf("doctors: %v", err)
	}
	defer resp.Body.Close()

	var out struct {
		NodeID  int            `json:"node_id"`
		Count   int            `json:"count"`
		Doctors []store.Doctor `json:"doctors"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	if out.Count != 3 || len(out.Doctors) != 3 {
		t.Errorf("expected 3 seeded doctors, got %+v", out)
	}
}

func TestCreateVisitEndpoint(t *testing.T) {
	_, _, srv := newTestNode(t)

	resp, out := postJSON(t, srv.URL+"/api/cluster/create-visit", map[string]interface{}{
		"id_paciente": 1, "id_doctor": 1, "id_cama": 1, "id_trabajador": 1,
		"id_sala": 1, "sintomas": "fiebre alta",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, out)
	}
	if out["folio"] != "1+1+1+001" {
		t.Errorf("folio = %v", out["folio"])
	}

	// Same doctor again: 409.
	resp, _ = postJSON(t, srv.URL+"/api/cluster/create-visit", map[string]interface{}{
		"id_paciente": 1, "id_doctor": 1, "id_cama": 2, "id_trabajador": 1,
		"id_sala": 1, "sintomas": "fiebre",
	}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("busy doctor status = %d, want 409", resp.StatusCode)
	}

	// Missing fields: 400.
	resp, _ = postJSON(t, srv.URL+"/api/cluster/create-visit", map[string]interface{}{
		"id_paciente": 1,
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing fields status = %d, want 400", resp.StatusCode)
	}
}

func TestReplicateVisitEndpoint_Idempotent(t *testing.T) {
	st, _, srv := newTestNode(t)

	visit := map[string]interface{}{
		"folio": "5+2+1+001", "id_paciente": 1, "id_doctor": 2, "id_cama": 2,
		"id_trabajador": 1, "id_sala": 1, "sintomas": "s", "estado": "activa",
		"timestamp": store.Now(),
	}
	for i := 0; i < 2; i++ {
		resp, out := postJSON(t, srv.URL+"/api/cluster/replicate-visit", visit, nil)
		if resp.StatusCode != http.StatusCreated || out["success"] != true {
			t.Fatalf("replication %d: status=%d body=%v", i, resp.StatusCode, out)
		}
	}

	visits, _ := st.Visits(1, "", 50)
	if len(visits) != 1 {
		t.Fatalf("expected exactly one visit after double replication, got %d", len(visits))
	}
}

func TestLoginAndCloseVisit_RoleEnforced(t *testing.T) {
	_, _, srv := newTestNode(t)

	// Create a visit assigned to doctor 1.
	resp, out := postJSON(t, srv.URL+"/api/visits", map[string]interface{}{
		"id_paciente": 1, "id_doctor": 1, "id_cama": 1, "id_trabajador": 1, "sintomas": "s",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create visit: %d %v", resp.StatusCode, out)
	}
	folio := out["folio"].(string)

	// No session: 401.
	resp, _ = postJSON(t, srv.URL+"/api/visits/close", map[string]string{
		"folio": folio, "diagnostico": "dx",
	}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no session status = %d, want 401", resp.StatusCode)
	}

	// Social worker: 403.
	_, loginOut := postJSON(t, srv.URL+"/api/auth/login", map[string]string{
		"username": "trabajador1", "password": "trab123",
	}, nil)
	swToken := loginOut["token"].(string)
	resp, _ = postJSON(t, srv.URL+"/api/visits/close", map[string]string{
		"folio": folio, "diagnostico": "dx",
	}, map[string]string{"X-Session-Token": swToken})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("social worker status = %d, want 403", resp.StatusCode)
	}

	// Wrong doctor (doctor2 is not assigned): 403.
	_, loginOut = postJSON(t, srv.URL+"/api/auth/login", map[string]string{
		"username": "doctor2", "password": "doc123",
	}, nil)
	doc2Token := loginOut["token"].(string)
	resp, _ = postJSON(t, srv.URL+"/api/visits/close", map[string]string{
		"folio": folio, "diagnostico": "dx",
	}, map[string]string{"X-Session-Token": doc2Token})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("wrong doctor status = %d, want 403", resp.StatusCode)
	}

	// Assigned doctor: success.
	_, loginOut = postJSON(t, srv.URL+"/api/auth/login", map[string]string{
		"username": "doctor1", "password": "doc123",
	}, nil)
	doc1Token := loginOut["token"].(string)
	resp, out = postJSON(t, srv.URL+"/api/visits/close", map[string]string{
		"folio": folio, "diagnostico": "deshidratación",
	}, map[string]string{"X-Session-Token": doc1Token})
	if resp.StatusCode != http.StatusOK || out["success"] != true {
		t.Fatalf("close by assigned doctor: %d %v", resp.StatusCode, out)
	}

	// Closing again: 410.
	resp, _ = postJSON(t, srv.URL+"/api/visits/close", map[string]string{
		"folio": folio, "diagnostico": "dx",
	}, map[string]string{"X-Session-Token": doc1Token})
	if resp.StatusCode != http.StatusGone {
		t.Errorf("re-close status = %d, want 410", resp.StatusCode)
	}
}

func TestLogin_BadCredentials(t *testing.T) {
	_, _, srv := newTestNode(t)

	resp, _ := postJSON(t, srv.URL+"/api/auth/login", map[string]string{
		"username": "doctor1", "password": "wrong",
	}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad password status = %d, want 401", resp.StatusCode)
	}

	resp, _ = postJSON(t, srv.URL+"/api/auth/login", map[string]string{
		"username": "ghost", "password": "x",
	}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unknown user status = %d, want 401", resp.StatusCode)
	}
}

func TestSequenceIncrementEndpoint(t *testing.T) {
	_, _, srv := newTestNode(t)

	var prev float64
	for i := 0; i < 3; i++ {
		resp, out := postJSON(t, srv.URL+"/api/sequence/increment", map[string]int{"id_sala": 1}, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("increment status = %d", resp.StatusCode)
		}
		seq := out["seq"].(float64)
		if seq <= prev {
			t.Fatalf("sequence not increasing: %v after %v", seq, prev)
		}
		prev = seq
	}
}

func TestNodeStatusEndpoint(t *testing.T) {
	_, _, srv := newTestNode(t)

	resp, err := http.Get(srv.URL + "/api/node/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer resp.Body.Close()

	var out struct {
		NodeID   int    `json:"node_id"`
		State    string `json:"state"`
		Leader   int    `json:"leader"`
		IsLeader bool   `json:"is_leader"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	if !out.IsLeader || out.Leader != 1 || out.State != "LEADER" {
		t.Errorf("status = %+v", out)
	}
}

func TestSessionExpiry(t *testing.T) {
	st, auth, _ := newTestNode(t)
	_ = st

	// Forge an expired session and make sure it is refused and
	// cleaned up.
	u := &store.User{Username: "doctor1", Rol: store.RoleDoctor}
	auth.mu.Lock()
	auth.sessions["stale"] = session{user: u, expiresAt: time.Now().Add(-time.Minute)}
	auth.mu.Unlock()

	req := httptest.NewRequest("POST", "/api/visits/close", nil)
	req.Header.Set("X-Session-Token", "stale")
	if _, ok := auth.UserForRequest(req); ok {
		t.Fatal("expired session accepted")
	}

	auth.mu.Lock()
	auth.sessions["stale2"] = session{user: u, expiresAt: time.Now().Add(-time.Minute)}
	auth.mu.Unlock()
	auth.CleanExpiredSessions()
	auth.mu.Lock()
	_, still := auth.sessions["stale2"]
	auth.mu.Unlock()
	if still {
		t.Fatal("CleanExpiredSessions left an expired session")
	}
}
