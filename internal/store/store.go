// Package store owns the per-node SQLite database: patients, doctors,
// beds, social workers, emergency visits, the per-ward folio counter
// and the system users. All coordination components go through this
// package; nothing else touches SQL.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Sentinel errors surfaced to the coordinator.
var (
	ErrNotFound      = errors.New("store: not found")
	ErrVisitClosed   = errors.New("store: visit already closed")
	ErrNotAssigned   = errors.New("store: visit belongs to another doctor")
	ErrDuplicateFolio = errors.New("store: folio already exists")
)

// Store wraps the long-lived connection pool for one node's database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the node database and ensures the
// schema. WAL mode and a generous busy timeout keep concurrent handler
// transactions from tripping over each other.
func Open(path string) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the pool for code that manages its own statements.
func (s *Store) DB() *sql.DB { return s.db }

// ensureSchema creates all tables if they don't exist. Safe on every
// startup.
func (s *Store) ensureSchema() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS salas (
			id_sala INTEGER PRIMARY KEY,
			numero INTEGER NOT NULL,
			ip_address TEXT,
			puerto INTEGER,
			es_maestro INTEGER NOT NULL DEFAULT 0,
			activa INTEGER NOT NULL DEFAULT 1
		)`,

		`CREATE TABLE IF NOT EXISTS pacientes (
			id_paciente INTEGER PRIMARY KEY AUTOINCREMENT,
			nombre TEXT NOT NULL,
			edad INTEGER,
			sexo TEXT,
			curp TEXT UNIQUE,
			telefono TEXT,
			contacto_emergencia TEXT,
			activo INTEGER NOT NULL DEFAULT 1
		)`,

		`CREATE TABLE IF NOT EXISTS doctores (
			id_doctor INTEGER PRIMARY KEY AUTOINCREMENT,
			nombre TEXT NOT NULL,
			especialidad TEXT,
			id_sala INTEGER NOT NULL,
			disponible INTEGER NOT NULL DEFAULT 1,
			activo INTEGER NOT NULL DEFAULT 1
		)`,

		`CREATE TABLE IF NOT EXISTS trabajadores_sociales (
			id_trabajador INTEGER PRIMARY KEY AUTOINCREMENT,
			nombre TEXT NOT NULL,
			id_sala INTEGER NOT NULL,
			activo INTEGER NOT NULL DEFAULT 1
		)`,

		`CREATE TABLE IF NOT EXISTS camas (
			id_cama INTEGER PRIMARY KEY AUTOINCREMENT,
			numero INTEGER NOT NULL,
			id_sala INTEGER NOT NULL,
			ocupada INTEGER NOT NULL DEFAULT 0,
			id_paciente INTEGER REFERENCES pacientes(id_paciente)
		)`,

		`CREATE TABLE IF NOT EXISTS visitas_emergencia (
			id_visita INTEGER PRIMARY KEY AUTOINCREMENT,
			folio TEXT UNIQUE NOT NULL,
			id_paciente INTEGER NOT NULL,
			id_doctor INTEGER NOT NULL,
			id_cama INTEGER NOT NULL,
			id_trabajador INTEGER NOT NULL,
			id_sala INTEGER NOT NULL,
			sintomas TEXT,
			diagnostico TEXT,
			estado TEXT NOT NULL DEFAULT 'activa',
			timestamp TEXT,
			fecha_cierre TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS consecutivos (
			id_sala INTEGER PRIMARY KEY,
			consecutivo INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS usuarios (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			rol TEXT NOT NULL,
			id_relacionado INTEGER,
			activo INTEGER NOT NULL DEFAULT 1
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("store: schema: %w", err)
		}
	}
	return nil
}

// ── Patients ────────────────────────────────────────────────────────────────

// CreatePatient inserts a patient, returning the new id. Field
// validation is left to the caller.
func (s *Store) CreatePatient(p *Patient) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO pacientes (nombre, edad, sexo, curp, telefono, contacto_emergencia, activo)
		VALUES (?, ?, ?, ?, ?, ?, 1)
	`, p.Nombre, p.Edad, p.Sexo, p.CURP, p.Telefono, p.ContactoEmergencia)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ApplyReplicatedPatient inserts a patient record minted elsewhere,
// keeping its original id. Replays are no-ops.
func (s *Store) ApplyReplicatedPatient(p *Patient) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO pacientes
			(id_paciente, nombre, edad, sexo, curp, telefono, contacto_emergencia, activo)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Nombre, p.Edad, p.Sexo, p.CURP, p.Telefono, p.ContactoEmergencia, p.Activo)
	return err
}

// PatientByID looks up one patient.
func (s *Store) PatientByID(id int64) (*Patient, error) {
	row := s.db.QueryRow(`
		SELECT id_paciente, nombre, edad, sexo, curp, telefono, contacto_emergencia, activo
		FROM pacientes WHERE id_paciente = ?
	`, id)
	return scanPatient(row)
}

// PatientByCURP looks up an active patient by CURP.
func (s *Store) PatientByCURP(curp string) (*Patient, error) {
	row := s.db.QueryRow(`
		SELECT id_paciente, nombre, edad, sexo, curp, telefono, contacto_emergencia, activo
		FROM pacientes WHERE curp = ? AND activo = 1
	`, curp)
	return scanPatient(row)
}

// Patients lists patients, optionally filtered by activo.
func (s *Store) Patients(limit int, activo *bool) ([]Patient, error) {
	q := `SELECT id_paciente, nombre, edad, sexo, curp, telefono, contacto_emergencia, activo FROM pacientes`
	var args []interface{}
	if activo != nil {
		q += ` WHERE activo = ?`
		args = append(args, boolInt(*activo))
	}
	q += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Patient{}
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPatient(r rowScanner) (*Patient, error) {
	var p Patient
	err := r.Scan(&p.ID, &p.Nombre, &p.Edad, &p.Sexo, &p.CURP, &p.Telefono, &p.ContactoEmergencia, &p.Activo)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ── Doctors ─────────────────────────────────────────────────────────────────

// Doctors lists this ward's doctors with optional filters.
func (s *Store) Doctors(salaID int, disponible, activo *bool) ([]Doctor, error) {
	q := `SELECT id_doctor, nombre, especialidad, id_sala, disponible, activo FROM doctores WHERE id_sala = ?`
	args := []interface{}{salaID}
	if disponible != nil {
		q += ` AND disponible = ?`
		args = append(args, boolInt(*disponible))
	}
	if activo != nil {
		q += ` AND activo = ?`
		args = append(args, boolInt(*activo))
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Doctor{}
	for rows.Next() {
		var d Doctor
		if err := rows.Scan(&d.ID, &d.Nombre, &d.Especialidad, &d.SalaID, &d.Disponible, &d.Activo); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DoctorByID looks up one doctor.
func (s *Store) DoctorByID(id int) (*Doctor, error) {
	var d Doctor
	err := s.db.QueryRow(`
		SELECT id_doctor, nombre, especialidad, id_sala, disponible, activo
		FROM doctores WHERE id_doctor = ?
	`, id).Scan(&d.ID, &d.Nombre, &d.Especialidad, &d.SalaID, &d.Disponible, &d.Activo)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// AddDoctor inserts a doctor (seed/testing helper).
func (s *Store) AddDoctor(nombre, especialidad string, salaID int) (int, error) {
	res, err := s.db.Exec(`
		INSERT INTO doctores (nombre, especialidad, id_sala, disponible, activo) VALUES (?, ?, ?, 1, 1)
	`, nombre, nullIfEmpty(especialidad), salaID)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	return int(id), err
}

// ── Beds ────────────────────────────────────────────────────────────────────

// Beds lists this ward's beds with an optional occupancy filter. The
// current patient's name is joined in for occupied beds.
func (s *Store) Beds(salaID int, ocupada *bool) ([]Bed, error) {
	q := `
		SELECT c.id_cama, c.numero, c.id_sala, c.ocupada, c.id_paciente, p.nombre
		FROM camas c LEFT JOIN pacientes p ON p.id_paciente = c.id_paciente
		WHERE c.id_sala = ?`
	args := []interface{}{salaID}
	if ocupada != nil {
		q += ` AND c.ocupada = ?`
		args = append(args, boolInt(*ocupada))
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Bed{}
	for rows.Next() {
		var b Bed
		if err := rows.Scan(&b.ID, &b.Numero, &b.SalaID, &b.Ocupada, &b.PacienteID, &b.PacienteNombre); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// BedByID looks up one bed.
func (s *Store) BedByID(id int) (*Bed, error) {
	var b Bed
	err := s.db.QueryRow(`
		SELECT id_cama, numero, id_sala, ocupada, id_paciente FROM camas WHERE id_cama = ?
	`, id).Scan(&b.ID, &b.Numero, &b.SalaID, &b.Ocupada, &b.PacienteID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// AddBed inserts a bed (seed/testing helper).
func (s *Store) AddBed(numero, salaID int) (int, error) {
	res, err := s.db.Exec(`INSERT INTO camas (numero, id_sala, ocupada) VALUES (?, ?, 0)`, numero, salaID)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	return int(id), err
}

// ── Social workers ──────────────────────────────────────────────────────────

// SocialWorkers lists this ward's social workers.
func (s *Store) SocialWorkers(salaID int, activo *bool) ([]SocialWorker, error) {
	q := `SELECT id_trabajador, nombre, id_sala, activo FROM trabajadores_sociales WHERE id_sala = ?`
	args := []interface{}{salaID}
	if activo != nil {
		q += ` AND activo = ?`
		args = append(args, boolInt(*activo))
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []SocialWorker{}
	for rows.Next() {
		var w SocialWorker
		if err := rows.Scan(&w.ID, &w.Nombre, &w.SalaID, &w.Activo); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// SocialWorkerByID looks up one social worker.
func (s *Store) SocialWorkerByID(id int) (*SocialWorker, error) {
	var w SocialWorker
	err := s.db.QueryRow(`
		SELECT id_trabajador, nombre, id_sala, activo FROM trabajadores_sociales WHERE id_trabajador = ?
	`, id).Scan(&w.ID, &w.Nombre, &w.SalaID, &w.Activo)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// AddSocialWorker inserts a social worker (seed/testing helper).
func (s *Store) AddSocialWorker(nombre string, salaID int) (int, error) {
	res, err := s.db.Exec(`
		INSERT INTO trabajadores_sociales (nombre, id_sala, activo) VALUES (?, ?, 1)
	`, nombre, salaID)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	return int(id), err
}

// ── Resource availability ───────────────────────────────────────────────────

// ResourceFree reports whether a doctor is available or a bed is free.
// Unknown resources are not free.
func (s *Store) ResourceFree(kind string, id int) (bool, error) {
	switch kind {
	case "DOCTOR":
		d, err := s.DoctorByID(id)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return d.Disponible && d.Activo, nil
	case "BED":
		b, err := s.BedByID(id)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return !b.Ocupada, nil
	}
	return false, fmt.Errorf("store: unknown resource kind %q", kind)
}

// ── Stats ───────────────────────────────────────────────────────────────────

// Stats aggregates this node's capacity counts.
func (s *Store) Stats(salaID int) (*NodeStats, error) {
	st := &NodeStats{NodeID: salaID}

	counts := []struct {
		dest  *int
		query string
	}{
		{&st.Doctors.Total, `SELECT COUNT(*) FROM doctores WHERE id_sala = ? AND activo = 1`},
		{&st.Doctors.Available, `SELECT COUNT(*) FROM doctores WHERE id_sala = ? AND activo = 1 AND disponible = 1`},
		{&st.Beds.Total, `SELECT COUNT(*) FROM camas WHERE id_sala = ?`},
		{&st.Beds.Available, `SELECT COUNT(*) FROM camas WHERE id_sala = ? AND ocupada = 0`},
		{&st.Visits.Active, `SELECT COUNT(*) FROM visitas_emergencia WHERE id_sala = ? AND estado = 'activa'`},
		{&st.Visits.Completed, `SELECT COUNT(*) FROM visitas_emergencia WHERE id_sala = ? AND estado = 'completada'`},
		{&st.SocialWorkers.Total, `SELECT COUNT(*) FROM trabajadores_sociales WHERE id_sala = ? AND activo = 1`},
	}
	for _, c := range counts {
		if err := s.db.QueryRow(c.query, salaID).Scan(c.dest); err != nil {
			return nil, err
		}
	}

	if st.Doctors.Total > 0 {
		st.Capacity.DoctorsPct = float64(st.Doctors.Available) / float64(st.Doctors.Total) * 100
	}
	if st.Beds.Total > 0 {
		st.Capacity.BedsPct = float64(st.Beds.Available) / float64(st.Beds.Total) * 100
	}
	return st, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
