package db

import "github.com/patrickwarner/adtrack/internal/models"

// Store joins the Postgres counters with the ClickHouse event tables.
type Store struct {
	*Postgres
	*ClickHouse
}

var _ models.PersistenceStore = (*Store)(nil)

// NewStore returns a Store backed by pg and ch.
func NewStore(pg *Postgres, ch *ClickHouse) *Store {
	return &Store{Postgres: pg, ClickHouse: ch}
}

// Close closes both connections.
func (s *Store) Close() {
	s.Postgres.Close()
	s.ClickHouse.Close()
}
