package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/zaziedlm/koiki-gofw/pkg/models"
)

var ErrNotFound = errors.New("user not found")

// UserStore handles SQLite persistence for provisioned users
type UserStore struct {
	db   *sql.DB
	path string
}

// NewUserStore opens (or creates) the user database under dataDir.
func NewUserStore(dataDir string) (*UserStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "users.db")

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &UserStore{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *UserStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			email      TEXT NOT NULL UNIQUE COLLATE NOCASE,
			name       TEXT NOT NULL,
			name_id    TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
	`)
	return err
}

// FindOrCreateByEmail provisions a user on first login and refreshes the
// display name and NameID on subsequent logins.
func (s *UserStore) FindOrCreateByEmail(ctx context.Context, email, name, nameID string) (*models.User, error) {
	user, err := s.findByEmail(ctx, email)
	if err == nil {
		if user.Name != name || user.NameID != nameID {
			now := time.Now().UTC()
			_, err = s.db.ExecContext(ctx,
				`UPDATE users SET name = ?, name_id = ?, updated_at = ? WHERE id = ?`,
				name, nameID, now, user.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to update user: %w", err)
			}
			user.Name = name
			user.NameID = nameID
			user.UpdatedAt = now
		}
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	user = &models.User{
		ID:        uuid.NewString(),
		Email:     email,
		Name:      name,
		NameID:    nameID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, name_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.Email, user.Name, user.NameID, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// FindByID returns the user with the given ID.
func (s *UserStore) FindByID(ctx context.Context, id string) (*models.User, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT id, email, name, name_id, created_at, updated_at FROM users WHERE id = ?`, id))
}

func (s *UserStore) findByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT id, email, name, name_id, created_at, updated_at FROM users WHERE email = ?`, email))
}

func (s *UserStore) scanOne(row *sql.Row) (*models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.Email, &user.Name, &user.NameID, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read user: %w", err)
	}
	return &user, nil
}

// Close closes the underlying database.
func (s *UserStore) Close() error {
	return s.db.Close()
}
