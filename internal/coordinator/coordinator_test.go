package coordinator

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"emergencyd/internal/discovery"
	"emergencyd/internal/election"
	"emergencyd/internal/locks"
	"emergencyd/internal/store"
	"emergencyd/internal/transport"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "sala.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testFixture is a single-node leader with the ward set up for the
// canonical scenario: patient 5, doctors 1-2, beds 1-3, social worker 1.
type testFixture struct {
	st    *store.Store
	table *discovery.Table
	elect *election.Engine
	coord *Coordinator
}

func newLeaderFixture(t *testing.T) *testFixture {
	t.Helper()
	st := newTestStore(t)
	table := discovery.NewTable()
	client := &transport.Client{}

	elect := election.NewEngine(election.Options{
		NodeID:            1,
		HeartbeatInterval: time.Second,
		LeaderTimeout:     time.Second,
	}, table, client)
	elect.StartElection() // no peers: leads immediately

	lm := locks.NewManager(1, table, client, st.ResourceFree)
	coord := New(1, 5000, st, lm, elect, table, client, nil)

	for i := int64(1); i <= 5; i++ {
		if err := st.ApplyReplicatedPatient(&store.Patient{ID: i, Nombre: "Paciente", Activo: 1}); err != nil {
			t.Fatalf("seed patient: %v", err)
		}
	}
	st.AddDoctor("Dr. Ricardo Mendiola", "Urgencias", 1)  // id 1
	st.AddDoctor("Dra. Elena Vázquez", "Medicina", 1)     // id 2
	st.AddBed(101, 1)                                     // id 1
	st.AddBed(102, 1)                                     // id 2
	st.AddBed(103, 1)                                     // id 3
	st.AddSocialWorker("Lic. Roberto Gómez", 1)           // id 1

	return &testFixture{st: st, table: table, elect: elect, coord: coord}
}

func TestLeaderCreateVisit_FolioAndResources(t *testing.T) {
	f := newLeaderFixture(t)

	visit, err := f.coord.CreateVisit(&CreateVisitRequest{
		PacienteID: 5, DoctorID: 2, CamaID: 3, TrabajadorID: 1, SalaID: 1,
		Sintomas: "chest pain",
	})
	if err != nil {
		t.Fatalf("create visit: %v", err)
	}
	if visit.Folio != "5+2+1+001" {
		t.Errorf("folio = %q, want 5+2+1+001", visit.Folio)
	}
	if visit.Estado != store.VisitActive {
		t.Errorf("estado = %q, want activa", visit.Estado)
	}

	d, _ := f.st.DoctorByID(2)
	if d.Disponible {
		t.Error("doctor 2 should be unavailable")
	}
	b, _ := f.st.BedByID(3)
	if !b.Ocupada {
		t.Error("bed 3 should be occupied")
	}
}

func TestLeaderCreateVisit_SerializesBusyDoctor(t *testing.T) {
	f := newLeaderFixture(t)

	if _, err := f.coord.CreateVisit(&CreateVisitRequest{
		PacienteID: 1, DoctorID: 2, CamaID: 1, TrabajadorID: 1, SalaID: 1, Sintomas: "s",
	}); err != nil {
		t.Fatalf("first visit: %v", err)
	}

	_, err := f.coord.CreateVisit(&CreateVisitRequest{
		PacienteID: 2, DoctorID: 2, CamaID: 2, TrabajadorID: 1, SalaID: 1, Sintomas: "s",
	})
	if KindOf(err) != KindResourceBusy {
		t.Fatalf("expected RESOURCE_BUSY for the second request on doctor 2, got %v", err)
	}
}

func TestLeaderCreateVisit_NotFound(t *testing.T) {
	f := newLeaderFixture(t)

	cases := []CreateVisitRequest{
		{PacienteID: 99, DoctorID: 2, CamaID: 3, TrabajadorID: 1, SalaID: 1, Sintomas: "s"},
		{PacienteID: 1, DoctorID: 99, CamaID: 3, TrabajadorID: 1, SalaID: 1, Sintomas: "s"},
		{PacienteID: 1, DoctorID: 2, CamaID: 99, TrabajadorID: 1, SalaID: 1, Sintomas: "s"},
		{PacienteID: 1, DoctorID: 2, CamaID: 3, TrabajadorID: 99, SalaID: 1, Sintomas: "s"},
	}
	for i, req := range cases {
		if _, err := f.coord.CreateVisit(&req); KindOf(err) != KindNotFound {
			t.Errorf("case %d: expected NOT_FOUND, got %v", i, err)
		}
	}
}

func TestLeaderCreateVisit_FolioClashRetries(t *testing.T) {
	f := newLeaderFixture(t)

	// A replicated visit already took the folio the first sequence
	// number would produce.
	if _, err := f.st.ApplyReplicatedVisit(&store.Visit{
		Folio: "5+2+1+001", PacienteID: 4, DoctorID: 1, CamaID: 1, TrabajadorID: 1,
		SalaID: 1, Estado: store.VisitActive, Timestamp: store.Now(),
	}); err != nil {
		t.Fatalf("seed replicated visit: %v", err)
	}

	visit, err := f.coord.CreateVisit(&CreateVisitRequest{
		PacienteID: 5, DoctorID: 2, CamaID: 3, TrabajadorID: 1, SalaID: 1, Sintomas: "s",
	})
	if err != nil {
		t.Fatalf("create visit: %v", err)
	}
	if visit.Folio != "5+2+1+002" {
		t.Errorf("folio = %q, want 5+2+1+002 after clash", visit.Folio)
	}
}

func TestCreatePatient_Validation(t *testing.T) {
	f := newLeaderFixture(t)

	bad := []store.Patient{
		{},                     // no name
		{Nombre: "X", Edad: intp(-1)},
		{Nombre: "X", Edad: intp(200)},
		{Nombre: "X", Sexo: strp("Z")},
		{Nombre: "X", CURP: strp("SHORT")},
	}
	for i, p := range bad {
		if _, err := f.coord.CreatePatient(&p); KindOf(err) != KindValidation {
			t.Errorf("case %d: expected VALIDATION, got %v", i, err)
		}
	}

	curp := "GALA950101MDFRRN08"
	id, err := f.coord.CreatePatient(&store.Patient{Nombre: "Ana", Edad: intp(28), Sexo: strp("F"), CURP: &curp})
	if err != nil {
		t.Fatalf("valid patient rejected: %v", err)
	}
	if id == 0 {
		t.Error("patient id not assigned")
	}
}

func TestCloseVisit_OwnershipAndLifecycle(t *testing.T) {
	f := newLeaderFixture(t)

	visit, err := f.coord.CreateVisit(&CreateVisitRequest{
		PacienteID: 3, DoctorID: 2, CamaID: 1, TrabajadorID: 1, SalaID: 1, Sintomas: "s",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Wrong doctor.
	if _, err := f.coord.CloseVisit(visit.Folio, "dehydration", 1); KindOf(err) != KindNotAssigned {
		t.Fatalf("expected NOT_ASSIGNED, got %v", err)
	}
	// Missing diagnosis.
	if _, err := f.coord.CloseVisit(visit.Folio, "", 2); KindOf(err) != KindValidation {
		t.Fatalf("expected VALIDATION, got %v", err)
	}
	// Unknown folio.
	if _, err := f.coord.CloseVisit("NOPE", "dx", 2); KindOf(err) != KindNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}

	closed, err := f.coord.CloseVisit(visit.Folio, "dehydration", 2)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Estado != store.VisitCompleted {
		t.Errorf("estado = %q, want completada", closed.Estado)
	}

	d, _ := f.st.DoctorByID(2)
	if !d.Disponible {
		t.Error("doctor should be free after close")
	}
	b, _ := f.st.BedByID(1)
	if b.Ocupada {
		t.Error("bed should be free after close")
	}

	if _, err := f.coord.CloseVisit(visit.Folio, "again", 2); KindOf(err) != KindAlreadyClosed {
		t.Fatalf("expected ALREADY_CLOSED, got %v", err)
	}
}

func TestIncrementSequence_Monotonic(t *testing.T) {
	f := newLeaderFixture(t)

	prev := 0
	for i := 0; i < 3; i++ {
		seq, err := f.coord.IncrementSequence(1)
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if seq <= prev {
			t.Fatalf("sequence not strictly increasing: %d after %d", seq, prev)
		}
		prev = seq
	}
}

func TestConsensus_QuorumBoundary(t *testing.T) {
	f := newLeaderFixture(t)
	cmd, _ := transport.NewCommand(transport.ActionIncrementSequence, map[string]int{"id_sala": 1})

	// Single node: 1/1 acks, quorum of 1.
	if err := f.coord.Consensus(cmd); err != nil {
		t.Fatalf("single-node consensus: %v", err)
	}

	addAckingPeer(t, f.table, 2)
	addDeadPeer(f.table, 3)

	// 3 members, acks = self + node 2 = 2 ≥ 2. Success.
	if err := f.coord.Consensus(cmd); err != nil {
		t.Fatalf("2/3 consensus should succeed: %v", err)
	}

	addDeadPeer(f.table, 4)

	// 4 members, acks = 2 = N/2 exactly. Must fail.
	err := f.coord.Consensus(cmd)
	if KindOf(err) != KindConsensusFailed {
		t.Fatalf("expected CONSENSUS_FAILED at exactly N/2 acks, got %v", err)
	}
}

func TestHandleMessage_AppliesCommands(t *testing.T) {
	f := newLeaderFixture(t)

	cmd, _ := transport.NewCommand(transport.ActionIncrementSequence, seqPayload{SalaID: 1})
	reply := f.coord.HandleMessage(cmd, nil)
	if string(reply) != transport.ReplyConsensusOK {
		t.Fatalf("expected CONSENSUS_OK, got %q", reply)
	}
	if n, _ := f.st.Consecutivo(1); n != 1 {
		t.Errorf("sequence = %d, want 1", n)
	}

	// Replicated close via TCP command.
	visit, err := f.coord.CreateVisit(&CreateVisitRequest{
		PacienteID: 1, DoctorID: 1, CamaID: 1, TrabajadorID: 1, SalaID: 1, Sintomas: "s",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	closeCmd, _ := transport.NewCommand(transport.ActionCloseVisit, closePayload{
		Folio: visit.Folio, Diagnostico: "dx", FechaCierre: store.Now(),
	})
	if reply := f.coord.HandleMessage(closeCmd, nil); string(reply) != transport.ReplyConsensusOK {
		t.Fatalf("close command rejected: %q", reply)
	}
	got, _ := f.st.VisitByFolio(visit.Folio)
	if got.Estado != store.VisitCompleted {
		t.Errorf("estado = %q, want completada", got.Estado)
	}

	// Garbage data is rejected, not fatal.
	bad := &transport.Command{Action: transport.ActionCloseVisit, Data: json.RawMessage(`{`)}
	if reply := f.coord.HandleMessage(bad, nil); string(reply) != transport.ReplyConsensusRejected {
		t.Fatalf("expected CONSENSUS_REJECTED, got %q", reply)
	}
}

func TestReplicateVisit_CountsFailedNodes(t *testing.T) {
	f := newLeaderFixture(t)

	// Commit the visit while the node is still alone: once peers are in
	// the table, locking needs every one of them to grant.
	visit, err := f.coord.CreateVisit(&CreateVisitRequest{
		PacienteID: 5, DoctorID: 2, CamaID: 3, TrabajadorID: 1, SalaID: 1, Sintomas: "s",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// One live replication endpoint, one dead peer.
	var received store.Visit
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/cluster/replicate-visit" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&received)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	peerID := 2
	f.table.Upsert(discovery.Peer{ID: peerID, Host: "127.0.0.1", LastSeen: time.Now()})
	addDeadPeer(f.table, 3)
	f.coord.baseHTTPPort = serverPort(t, srv) - peerID

	okCount, failed := f.coord.replicateVisit(visit)
	if okCount != 1 || len(failed) != 1 || failed[0] != 3 {
		t.Errorf("replication = %d ok, failed %v; want 1 ok, failed [3]", okCount, failed)
	}
	if received.Folio != visit.Folio {
		t.Errorf("peer received folio %q, want %q", received.Folio, visit.Folio)
	}
}

func TestProxy_ForwardsToLeader(t *testing.T) {
	st := newTestStore(t)
	table := discovery.NewTable()
	client := &transport.Client{}
	elect := election.NewEngine(election.Options{
		NodeID: 1, HeartbeatInterval: time.Second, LeaderTimeout: time.Second,
	}, table, client)
	lm := locks.NewManager(1, table, client, st.ResourceFree)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/cluster/create-visit":
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"success":true,"folio":"1+2+3+001","visita":{"folio":"1+2+3+001","estado":"activa"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	leaderID := 3
	table.Upsert(discovery.Peer{ID: leaderID, Host: "127.0.0.1", LastSeen: time.Now()})
	coord := New(1, serverPort(t, srv)-leaderID, st, lm, elect, table, client, nil)

	// Believe node 3 leads.
	elect.HandleMessage(transport.NewCoordinator(1, leaderID), nil)

	visit, err := coord.CreateVisit(&CreateVisitRequest{
		PacienteID: 1, DoctorID: 2, CamaID: 3, TrabajadorID: 1, SalaID: 1, Sintomas: "s",
	})
	if err != nil {
		t.Fatalf("proxied create: %v", err)
	}
	if visit.Folio != "1+2+3+001" {
		t.Errorf("folio = %q", visit.Folio)
	}
}

func TestProxy_LeaderRejectionMapsKind(t *testing.T) {
	st := newTestStore(t)
	table := discovery.NewTable()
	client := &transport.Client{}
	elect := election.NewEngine(election.Options{
		NodeID: 1, HeartbeatInterval: time.Second, LeaderTimeout: time.Second,
	}, table, client)
	lm := locks.NewManager(1, table, client, st.ResourceFree)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"success":false,"error":"Doctor is not available"}`))
	}))
	defer srv.Close()

	leaderID := 3
	table.Upsert(discovery.Peer{ID: leaderID, Host: "127.0.0.1", LastSeen: time.Now()})
	coord := New(1, serverPort(t, srv)-leaderID, st, lm, elect, table, client, nil)
	elect.HandleMessage(transport.NewCoordinator(1, leaderID), nil)

	_, err := coord.CreateVisit(&CreateVisitRequest{
		PacienteID: 1, DoctorID: 2, CamaID: 3, TrabajadorID: 1, SalaID: 1, Sintomas: "s",
	})
	if KindOf(err) != KindResourceBusy {
		t.Fatalf("expected RESOURCE_BUSY from 409, got %v", err)
	}
}

func TestProxy_NoLeader(t *testing.T) {
	st := newTestStore(t)
	table := discovery.NewTable()
	client := &transport.Client{}
	elect := election.NewEngine(election.Options{
		NodeID: 1, HeartbeatInterval: time.Second, LeaderTimeout: time.Second,
	}, table, client)
	lm := locks.NewManager(1, table, client, st.ResourceFree)
	coord := New(1, 5000, st, lm, elect, table, client, nil)

	_, err := coord.CreateVisit(&CreateVisitRequest{
		PacienteID: 1, DoctorID: 2, CamaID: 3, TrabajadorID: 1, SalaID: 1, Sintomas: "s",
	})
	if KindOf(err) != KindNoLeader {
		t.Fatalf("expected NO_LEADER, got %v", err)
	}
}

// ── helpers ────────────────────────────────────────────────────────────────

func intp(v int) *int       { return &v }
func strp(v string) *string { return &v }

// addAckingPeer registers a real TCP peer answering CONSENSUS_OK.
func addAckingPeer(t *testing.T, tbl *discovery.Table, id int) {
	t.Helper()
	srv := transport.NewServer(transport.HandlerFunc(func(msg interface{}, remote net.Addr) []byte {
		return []byte(transport.ReplyConsensusOK)
	}))
	if err := srv.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("acking peer: %v", err)
	}
	t.Cleanup(srv.Stop)
	_, portStr, _ := net.SplitHostPort(srv.Addr().String())
	port, _ := strconv.Atoi(portStr)
	tbl.Upsert(discovery.Peer{ID: id, Host: "127.0.0.1", TCPPort: port, LastSeen: time.Now()})
}

// addDeadPeer registers a peer nothing listens for.
func addDeadPeer(tbl *discovery.Table, id int) {
	tbl.Upsert(discovery.Peer{ID: id, Host: "127.0.0.1", TCPPort: 1, LastSeen: time.Now()})
}

// serverPort extracts the port an httptest server bound.
func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	return port
}
