package db

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
)

// ErrConstraint is returned when a write violates a uniqueness or
// foreign-key invariant. The enclosing transaction is rolled back whole.
var ErrConstraint = errors.New("constraint violation")

// Store wraps the database with a single serialized write path. No two
// writers observe a half-applied mutation; readers see pre- or post-state of
// a transaction, never an intermediate one.
type Store struct {
	conn *sqlx.DB
	mu   sync.Mutex
	bus  *Bus
}

// NewStore builds a Store around an open connection.
func NewStore(conn *sqlx.DB) *Store {
	return &Store{conn: conn, bus: NewBus()}
}

// DB exposes the connection for reads.
func (s *Store) DB() *sqlx.DB {
	return s.conn
}

// Bus exposes the change-notification bus.
func (s *Store) Bus() *Bus {
	return s.bus
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Write runs fn inside the serialized write path: one mutex, one transaction.
// Collection names recorded on Changes are published to the bus only after
// the transaction commits. Any error rolls the whole transaction back and no
// notification is emitted.
func (s *Store) Write(ctx context.Context, fn func(tx *sqlx.Tx, ch *Changes) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	changes := &Changes{}
	if err := fn(tx, changes); err != nil {
		tx.Rollback()
		return wrapConstraint(err)
	}
	if err := tx.Commit(); err != nil {
		return wrapConstraint(err)
	}

	for _, c := range changes.collections() {
		s.bus.publish(c)
	}
	return nil
}

// Changes accumulates the collections touched by a write so the bus can
// notify subscribers after commit.
type Changes struct {
	touched []string
}

// Touch records that a collection was mutated. Duplicates collapse.
func (c *Changes) Touch(collection string) {
	for _, t := range c.touched {
		if t == collection {
			return
		}
	}
	c.touched = append(c.touched, collection)
}

func (c *Changes) collections() []string {
	return c.touched
}

func wrapConstraint(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "FOREIGN KEY constraint") {
		return errors.Join(ErrConstraint, err)
	}
	return err
}
