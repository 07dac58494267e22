package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool represents the subset of pgxpool.Pool used by the repositories.
//
// Tests supply a lightweight mock implementation.
type PgxPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

type healthChecker interface {
	Ping(ctx context.Context) error
}

// Store aggregates the repositories used by the ingestion pipeline.
type Store struct {
	health healthChecker

	Accounts          AccountRepository
	Contacts          ContactRepository
	Dials             DialRepository
	Appointments      BookingRepository
	Discoveries       BookingRepository
	CalendarMappings  CalendarMappingRepository
	Profiles          ProfileRepository
	AttributionEvents AttributionEventRepository
}

// New wires the PostgreSQL repositories with a shared connection pool.
func New(pool PgxPool) *Store {
	return &Store{
		health:            pool,
		Accounts:          &accountRepo{pool: pool},
		Contacts:          &contactRepo{pool: pool},
		Dials:             &dialRepo{pool: pool},
		Appointments:      &bookingRepo{pool: pool, table: TableAppointments},
		Discoveries:       &bookingRepo{pool: pool, table: TableDiscoveries},
		CalendarMappings:  &calendarMappingRepo{pool: pool},
		Profiles:          &profileRepo{pool: pool},
		AttributionEvents: &attributionEventRepo{pool: pool},
	}
}

// WithHealthCheck sets the check used by HealthCheck. Alternate backends use it.
func (s *Store) WithHealthCheck(h interface{ Ping(ctx context.Context) error }) *Store {
	s.health = h
	return s
}

// Bookings returns the repository for a routing target.
func (s *Store) Bookings(table BookingTable) BookingRepository {
	if table == TableDiscoveries {
		return s.Discoveries
	}
	return s.Appointments
}

// HealthCheck verifies that the underlying database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	defer observeDB(ctx, "db.healthcheck")()
	if s.health == nil {
		return nil
	}
	return s.health.Ping(ctx)
}
