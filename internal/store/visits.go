package store

import (
	"database/sql"
	"errors"
	"strings"
)

// Visits lists this ward's visits, newest first. estado may be empty
// for all states.
func (s *Store) Visits(salaID int, estado string, limit int) ([]Visit, error) {
	q := `
		SELECT id_visita, folio, id_paciente, id_doctor, id_cama, id_trabajador,
		       id_sala, sintomas, diagnostico, estado, timestamp, fecha_cierre
		FROM visitas_emergencia WHERE id_sala = ?`
	args := []interface{}{salaID}
	switch estado {
	case VisitActive, VisitCompleted, VisitCancelled:
		q += ` AND estado = ?`
		args = append(args, estado)
	}
	q += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Visit{}
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// VisitByFolio looks up one visit.
func (s *Store) VisitByFolio(folio string) (*Visit, error) {
	row := s.db.QueryRow(`
		SELECT id_visita, folio, id_paciente, id_doctor, id_cama, id_trabajador,
		       id_sala, sintomas, diagnostico, estado, timestamp, fecha_cierre
		FROM visitas_emergencia WHERE folio = ?
	`, folio)
	return scanVisit(row)
}

// ActiveVisitsByDoctor lists the active visits assigned to one doctor.
func (s *Store) ActiveVisitsByDoctor(doctorID int) ([]Visit, error) {
	rows, err := s.db.Query(`
		SELECT id_visita, folio, id_paciente, id_doctor, id_cama, id_trabajador,
		       id_sala, sintomas, diagnostico, estado, timestamp, fecha_cierre
		FROM visitas_emergencia WHERE id_doctor = ? AND estado = 'activa'
		ORDER BY timestamp DESC
	`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Visit{}
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// FolioExists reports whether a folio is already taken.
func (s *Store) FolioExists(folio string) (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM visitas_emergencia WHERE folio = ?`, folio).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateVisit inserts the visit and marks its doctor unavailable and
// its bed occupied, all in one transaction. The availability of both
// resources is re-read inside the transaction; the returned bool is
// false when the doctor or bed was no longer free at commit time.
func (s *Store) CreateVisit(v *Visit) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	// Authoritative re-read inside the transaction.
	var disponible, activo bool
	err = tx.QueryRow(`SELECT disponible, activo FROM doctores WHERE id_doctor = ?`, v.DoctorID).
		Scan(&disponible, &activo)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if !disponible || !activo {
		return false, nil
	}

	var ocupada bool
	err = tx.QueryRow(`SELECT ocupada FROM camas WHERE id_cama = ?`, v.CamaID).Scan(&ocupada)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if ocupada {
		return false, nil
	}

	res, err := tx.Exec(`
		INSERT INTO visitas_emergencia
			(folio, id_paciente, id_doctor, id_cama, id_trabajador, id_sala,
			 sintomas, diagnostico, estado, timestamp, fecha_cierre)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.Folio, v.PacienteID, v.DoctorID, v.CamaID, v.TrabajadorID, v.SalaID,
		v.Sintomas, v.Diagnostico, v.Estado, v.Timestamp, v.FechaCierre)
	if err != nil {
		if isUniqueViolation(err) {
			return false, ErrDuplicateFolio
		}
		return false, err
	}
	v.ID, _ = res.LastInsertId()

	if _, err := tx.Exec(`UPDATE doctores SET disponible = 0 WHERE id_doctor = ?`, v.DoctorID); err != nil {
		return false, err
	}
	if _, err := tx.Exec(`UPDATE camas SET ocupada = 1, id_paciente = ? WHERE id_cama = ?`, v.PacienteID, v.CamaID); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// ApplyReplicatedVisit inserts a visit replicated from the leader. The
// leader is authoritative, so availability is never re-checked here; a
// folio we already hold acknowledges without re-inserting.
//
// The returned bool is true when a row was actually inserted.
func (s *Store) ApplyReplicatedVisit(v *Visit) (bool, error) {
	exists, err := s.FolioExists(v.Folio)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO visitas_emergencia
			(folio, id_paciente, id_doctor, id_cama, id_trabajador, id_sala,
			 sintomas, diagnostico, estado, timestamp, fecha_cierre)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.Folio, v.PacienteID, v.DoctorID, v.CamaID, v.TrabajadorID, v.SalaID,
		v.Sintomas, v.Diagnostico, v.Estado, v.Timestamp, v.FechaCierre)
	if err != nil {
		if isUniqueViolation(err) {
			// Raced with another replication of the same folio.
			return false, nil
		}
		return false, err
	}

	// Mirror the resource flips; the rows may belong to another ward
	// and not exist locally, which is fine.
	if _, err := tx.Exec(`UPDATE doctores SET disponible = 0 WHERE id_doctor = ?`, v.DoctorID); err != nil {
		return false, err
	}
	if _, err := tx.Exec(`UPDATE camas SET ocupada = 1, id_paciente = ? WHERE id_cama = ?`, v.PacienteID, v.CamaID); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// CloseVisit completes an active visit: sets the diagnosis and closing
// time, frees the doctor and the bed. When doctorID is non-zero the
// visit must belong to that doctor.
func (s *Store) CloseVisit(folio, diagnostico string, doctorID int, fechaCierre string) (*Visit, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT id_visita, folio, id_paciente, id_doctor, id_cama, id_trabajador,
		       id_sala, sintomas, diagnostico, estado, timestamp, fecha_cierre
		FROM visitas_emergencia WHERE folio = ?
	`, folio)
	v, err := scanVisit(row)
	if err != nil {
		return nil, err
	}

	if v.Estado != VisitActive {
		return nil, ErrVisitClosed
	}
	if doctorID != 0 && v.DoctorID != doctorID {
		return nil, ErrNotAssigned
	}

	if _, err := tx.Exec(`
		UPDATE visitas_emergencia
		SET diagnostico = ?, estado = ?, fecha_cierre = ?
		WHERE id_visita = ?
	`, diagnostico, VisitCompleted, fechaCierre, v.ID); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`UPDATE doctores SET disponible = 1 WHERE id_doctor = ?`, v.DoctorID); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`UPDATE camas SET ocupada = 0, id_paciente = NULL WHERE id_cama = ?`, v.CamaID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	v.Diagnostico = &diagnostico
	v.Estado = VisitCompleted
	v.FechaCierre = &fechaCierre
	return v, nil
}

// ApplyReplicatedClose mirrors a close decided by the leader. Already
// closed visits acknowledge without change; unknown folios are ignored
// (this ward may never have received the visit).
func (s *Store) ApplyReplicatedClose(folio, diagnostico, fechaCierre string) error {
	_, err := s.CloseVisit(folio, diagnostico, 0, fechaCierre)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrVisitClosed) {
		return nil
	}
	return err
}

// ── Sequences ───────────────────────────────────────────────────────────────

// NextConsecutivo advances and returns the per-ward folio counter.
// Strictly increasing for a given sala.
func (s *Store) NextConsecutivo(salaID int) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO consecutivos (id_sala, consecutivo) VALUES (?, 1)
		ON CONFLICT(id_sala) DO UPDATE SET consecutivo = consecutivo + 1
	`, salaID); err != nil {
		return 0, err
	}

	var n int
	if err := tx.QueryRow(`SELECT consecutivo FROM consecutivos WHERE id_sala = ?`, salaID).Scan(&n); err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// Consecutivo reads the counter without advancing it.
func (s *Store) Consecutivo(salaID int) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT consecutivo FROM consecutivos WHERE id_sala = ?`, salaID).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

func scanVisit(r rowScanner) (*Visit, error) {
	var v Visit
	err := r.Scan(&v.ID, &v.Folio, &v.PacienteID, &v.DoctorID, &v.CamaID, &v.TrabajadorID,
		&v.SalaID, &v.Sintomas, &v.Diagnostico, &v.Estado, &v.Timestamp, &v.FechaCierre)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
