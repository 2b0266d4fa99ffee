// Package store resolves user and team records for the hub. The hub only
// reads; account and team management belong to the control-plane service that
// owns the schema.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a user or team does not exist.
var ErrNotFound = errors.New("not found")

// User is the minimal identity the hub needs: a stable id, a display name,
// and the team the user belongs to.
type User struct {
	ID          string
	Email       string
	DisplayName string
	TeamID      string
}

// Team scopes watercooler rooms and anonymous invites.
type Team struct {
	ID   string
	Name string
}

// Store is the persistence surface consumed by the hub.
type Store interface {
	UserByEmail(ctx context.Context, email string) (*User, error)
	UserByID(ctx context.Context, id string) (*User, error)
	TeammatesOf(ctx context.Context, user *User) ([]*User, error)
	TeamByID(ctx context.Context, id string) (*Team, error)
}

// PostgresStore implements Store over a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to the database and verifies the connection.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Pool exposes the underlying pool for health checks.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// UserByEmail resolves the bearer token's email claim to a user.
func (s *PostgresStore) UserByEmail(ctx context.Context, email string) (*User, error) {
	query := `
		SELECT id, email, display_name, team_id
		FROM users WHERE email = $1
	`

	var user User
	err := s.pool.QueryRow(ctx, query, email).Scan(
		&user.ID, &user.Email, &user.DisplayName, &user.TeamID,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &user, nil
}

// UserByID finds a user by ID.
func (s *PostgresStore) UserByID(ctx context.Context, id string) (*User, error) {
	query := `
		SELECT id, email, display_name, team_id
		FROM users WHERE id = $1
	`

	var user User
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&user.ID, &user.Email, &user.DisplayName, &user.TeamID,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &user, nil
}

// TeammatesOf lists the other members of the user's team.
func (s *PostgresStore) TeammatesOf(ctx context.Context, user *User) ([]*User, error) {
	query := `
		SELECT id, email, display_name, team_id
		FROM users
		WHERE team_id = $1 AND id != $2
		ORDER BY display_name
	`

	rows, err := s.pool.Query(ctx, query, user.TeamID, user.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var teammates []*User
	for rows.Next() {
		var teammate User
		err := rows.Scan(
			&teammate.ID, &teammate.Email, &teammate.DisplayName, &teammate.TeamID,
		)
		if err != nil {
			return nil, err
		}
		teammates = append(teammates, &teammate)
	}

	if teammates == nil {
		teammates = []*User{}
	}

	return teammates, rows.Err()
}

// TeamByID finds a team by ID.
func (s *PostgresStore) TeamByID(ctx context.Context, id string) (*Team, error) {
	query := `SELECT id, name FROM teams WHERE id = $1`

	var team Team
	err := s.pool.QueryRow(ctx, query, id).Scan(&team.ID, &team.Name)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &team, nil
}
