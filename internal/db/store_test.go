package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestWriteCommitsAndNotifies(t *testing.T) {
	store := openStore(t)
	ch, cancel := store.Bus().Subscribe(CollectionConversations)
	defer cancel()

	err := store.Write(context.Background(), func(tx *sqlx.Tx, changes *Changes) error {
		_, err := tx.Exec(`INSERT INTO conversations (id, invite_tag) VALUES ('c1', 't1')`)
		changes.Touch(CollectionConversations)
		return err
	})
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a change notification")
	}

	var count int
	require.NoError(t, store.DB().Get(&count, `SELECT COUNT(*) FROM conversations`))
	require.Equal(t, 1, count)
}

func TestWriteRollsBackWholeTransaction(t *testing.T) {
	store := openStore(t)
	ch, cancel := store.Bus().Subscribe(CollectionConversations)
	defer cancel()

	boom := errors.New("boom")
	err := store.Write(context.Background(), func(tx *sqlx.Tx, changes *Changes) error {
		if _, err := tx.Exec(`INSERT INTO conversations (id, invite_tag) VALUES ('c1', 't1')`); err != nil {
			return err
		}
		changes.Touch(CollectionConversations)
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, store.DB().Get(&count, `SELECT COUNT(*) FROM conversations`))
	require.Zero(t, count, "failed write must leave nothing behind")

	select {
	case <-ch:
		t.Fatal("no notification may be emitted for a rolled back write")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWriteWrapsConstraintViolations(t *testing.T) {
	store := openStore(t)

	insert := func() error {
		return store.Write(context.Background(), func(tx *sqlx.Tx, changes *Changes) error {
			_, err := tx.Exec(`INSERT INTO conversations (id, invite_tag) VALUES ('c1', 't1')`)
			return err
		})
	}
	require.NoError(t, insert())
	require.ErrorIs(t, insert(), ErrConstraint)
}

func TestChangesTouchDeduplicates(t *testing.T) {
	changes := &Changes{}
	changes.Touch(CollectionMessages)
	changes.Touch(CollectionMessages)
	changes.Touch(CollectionReactions)
	require.Equal(t, []string{CollectionMessages, CollectionReactions}, changes.collections())
}

func TestBusDropsOnOverflow(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("things")
	defer cancel()

	bus.publish("things")
	bus.publish("things")
	bus.publish("things")

	// Coalesced to one pending signal.
	<-ch
	select {
	case <-ch:
		t.Fatal("signals must coalesce, not queue")
	default:
	}
}

func TestBusCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("things")
	cancel()

	_, open := <-ch
	require.False(t, open)

	// Publishing after cancel must not panic.
	bus.publish("things")
}
