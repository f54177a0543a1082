package store

import (
	"database/sql"
	"log"

	"golang.org/x/crypto/bcrypt"
)

// UserByUsername looks up an active user.
func (s *Store) UserByUsername(username string) (*User, error) {
	var u User
	err := s.db.QueryRow(`
		SELECT id, username, password_hash, rol, id_relacionado, activo
		FROM usuarios WHERE username = ? AND activo = 1
	`, username).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Rol, &u.IDRelacionado, &u.Activo)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser hashes the password with bcrypt and inserts the user.
func (s *Store) CreateUser(username, password, rol string, idRelacionado int) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO usuarios (username, password_hash, rol, id_relacionado, activo)
		VALUES (?, ?, ?, ?, 1)
	`, username, string(hash), rol, idRelacionado)
	return err
}

// CheckPassword verifies a login attempt against the stored hash.
func (u *User) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

// Seed inserts reference data and default users for a fresh ward
// database. Existing rows are left alone, so it is safe on every
// startup with -seed.
func (s *Store) Seed(salaID int) error {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM doctores WHERE id_sala = ?`, salaID).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	doctors := []struct{ nombre, especialidad string }{
		{"Dr. Ricardo Mendiola", "Urgencias"},
		{"Dra. Elena Vázquez", "Medicina Interna"},
		{"Dr. Samuel Kim", "Traumatología"},
	}
	for _, d := range doctors {
		if _, err := s.AddDoctor(d.nombre, d.especialidad, salaID); err != nil {
			return err
		}
	}

	if _, err := s.AddSocialWorker("Lic. Roberto Gómez", salaID); err != nil {
		return err
	}

	for numero := 101; numero <= 105; numero++ {
		if _, err := s.AddBed(numero, salaID); err != nil {
			return err
		}
	}

	users := []struct {
		username, password, rol string
		idRelacionado           int
	}{
		{"doctor1", "doc123", RoleDoctor, 1},
		{"doctor2", "doc123", RoleDoctor, 2},
		{"doctor3", "doc123", RoleDoctor, 3},
		{"trabajador1", "trab123", RoleSocialWorker, 1},
	}
	for _, u := range users {
		if _, err := s.UserByUsername(u.username); err == nil {
			continue
		}
		if err := s.CreateUser(u.username, u.password, u.rol, u.idRelacionado); err != nil {
			return err
		}
	}

	log.Printf("STORE: seeded reference data for sala %d", salaID)
	return nil
}
