package storage

import (
	"context"
	"testing"

	"github.com/rossigee/recordstore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func add(t *testing.T, conn *Conn, table string, rec types.Record) types.Key {
	t.Helper()
	var key types.Key
	require.NoError(t, conn.Update(context.Background(), table, func(tx *Txn) error {
		var err error
		key, err = tx.Add(rec)
		return err
	}))
	return key
}

func get(conn *Conn, table string, key types.Key) (types.Record, error) {
	var rec types.Record
	err := conn.View(context.Background(), table, func(tx *Txn) error {
		var err error
		rec, err = tx.Get(key)
		return err
	})
	return rec, err
}

func TestTxn_AddAndGet(t *testing.T) {
	conn := openTestConn(t, newTestStore(t))

	key := add(t, conn, "users", types.Record{"id": 7, "name": "ada", "tags": []any{"a", 1}})
	assert.Equal(t, int64(7), key)

	rec, err := get(conn, "users", 7.0)
	require.NoError(t, err)
	assert.Equal(t, types.Record{"id": int64(7), "name": "ada", "tags": []any{"a", int64(1)}}, rec)
}

func TestTxn_StringAndNumberKeysAreDistinct(t *testing.T) {
	conn := openTestConn(t, newTestStore(t))

	add(t, conn, "users", types.Record{"id": 5, "kind": "number"})
	add(t, conn, "users", types.Record{"id": "5", "kind": "string"})

	rec, err := get(conn, "users", "5")
	require.NoError(t, err)
	assert.Equal(t, "string", rec["kind"])

	rec, err = get(conn, "users", int64(5))
	require.NoError(t, err)
	assert.Equal(t, "number", rec["kind"])
}

func TestTxn_KeyCollision(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t, newTestStore(t))

	add(t, conn, "users", types.Record{"id": "u1", "name": "first"})

	err := conn.Update(ctx, "users", func(tx *Txn) error {
		_, err := tx.Add(types.Record{"id": "u1", "name": "second"})
		return err
	})
	require.ErrorIs(t, err, ErrKeyCollision)

	rec, err := get(conn, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "first", rec["name"])
}

func TestTxn_MissingAndInvalidKey(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t, newTestStore(t))

	err := conn.Update(ctx, "users", func(tx *Txn) error {
		_, err := tx.Add(types.Record{"name": "no key"})
		return err
	})
	assert.ErrorIs(t, err, ErrMissingKey)

	err = conn.Update(ctx, "users", func(tx *Txn) error {
		_, err := tx.Add(types.Record{"id": nil})
		return err
	})
	assert.ErrorIs(t, err, ErrMissingKey)

	err = conn.Update(ctx, "users", func(tx *Txn) error {
		_, err := tx.Add(types.Record{"id": true})
		return err
	})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestTxn_GeneratedKeys(t *testing.T) {
	conn := openTestConn(t, newTestStore(t))

	first := add(t, conn, "events", types.Record{"kind": "login", "id": "ignored"})
	second := add(t, conn, "events", types.Record{"kind": "logout"})

	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), second)

	rec, err := get(conn, "events", first)
	require.NoError(t, err)
	assert.Equal(t, types.Record{"id": int64(1), "kind": "login"}, rec)

	_, err = get(conn, "events", "1")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestTxn_NotFoundVersusEmpty(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t, newTestStore(t))

	_, err := get(conn, "users", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	var all []types.Record
	require.NoError(t, conn.View(ctx, "users", func(tx *Txn) error {
		all, err = tx.GetAll()
		return err
	}))
	assert.NotNil(t, all)
	assert.Empty(t, all)
}

func TestTxn_NoSuchTable(t *testing.T) {
	conn := openTestConn(t, newTestStore(t))

	err := conn.View(context.Background(), "nope", func(*Txn) error { return nil })
	assert.ErrorIs(t, err, ErrNoSuchTable)
}

func TestTxn_PutReplacesEntirely(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t, newTestStore(t))

	require.NoError(t, conn.Update(ctx, "users", func(tx *Txn) error {
		return tx.Put(5, types.Record{"name": "x", "extra": true})
	}))
	rec, err := get(conn, "users", 5)
	require.NoError(t, err)
	assert.Equal(t, types.Record{"id": int64(5), "name": "x", "extra": true}, rec)

	require.NoError(t, conn.Update(ctx, "users", func(tx *Txn) error {
		return tx.Put(5, types.Record{"name": "y", "id": 99})
	}))
	rec, err = get(conn, "users", 5)
	require.NoError(t, err)
	assert.Equal(t, types.Record{"id": int64(5), "name": "y"}, rec)
}

func TestTxn_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t, newTestStore(t))
	add(t, conn, "users", types.Record{"id": "u1"})

	for i := 0; i < 2; i++ {
		require.NoError(t, conn.Update(ctx, "users", func(tx *Txn) error {
			return tx.Delete("u1")
		}))
	}
	_, err := get(conn, "users", "u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTxn_GetByIndex(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t, newTestStore(t))

	add(t, conn, "users", types.Record{"id": 1, "email": "a@x.com"})
	add(t, conn, "users", types.Record{"id": 2, "email": "b@x.com"})
	add(t, conn, "users", types.Record{"id": 3, "email": "a@x.com"})

	var found []types.Record
	require.NoError(t, conn.View(ctx, "users", func(tx *Txn) error {
		var err error
		found, err = tx.GetByIndex("emailIndex", "a@x.com")
		return err
	}))
	require.Len(t, found, 2)
	assert.ElementsMatch(t, []any{int64(1), int64(3)}, []any{found[0]["id"], found[1]["id"]})

	err := conn.View(ctx, "users", func(tx *Txn) error {
		_, err := tx.GetByIndex("missingIndex", "a@x.com")
		return err
	})
	assert.ErrorIs(t, err, ErrNoSuchIndex)
}

func TestTxn_GetByCompositeIndex(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t, newTestStore(t))

	add(t, conn, "events", types.Record{"kind": "login", "meta": map[string]any{"day": 1}})
	add(t, conn, "events", types.Record{"kind": "login", "meta": map[string]any{"day": 2}})
	add(t, conn, "events", types.Record{"kind": "logout", "meta": map[string]any{"day": 1}})

	var found []types.Record
	require.NoError(t, conn.View(ctx, "events", func(tx *Txn) error {
		var err error
		found, err = tx.GetByIndex("kindDay", []any{"login", 1})
		return err
	}))
	require.Len(t, found, 1)
	assert.Equal(t, int64(1), found[0]["id"])

	err := conn.View(ctx, "events", func(tx *Txn) error {
		_, err := tx.GetByIndex("kindDay", "login")
		return err
	})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestTxn_UniqueIndexViolation(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t, newTestStore(t))
	add(t, conn, "users", types.Record{"id": 1, "handle": "ada"})

	err := conn.Update(ctx, "users", func(tx *Txn) error {
		_, err := tx.Add(types.Record{"id": 2, "handle": "ada"})
		return err
	})
	assert.ErrorIs(t, err, ErrConstraint)
	assert.NotErrorIs(t, err, ErrKeyCollision)
}

func TestTxn_ReadOnlyRejectsWrites(t *testing.T) {
	conn := openTestConn(t, newTestStore(t))

	err := conn.View(context.Background(), "users", func(tx *Txn) error {
		_, err := tx.Add(types.Record{"id": 1})
		return err
	})
	assert.Error(t, err)
}

func TestTxn_FailureRollsBack(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t, newTestStore(t))

	err := conn.Update(ctx, "users", func(tx *Txn) error {
		if _, err := tx.Add(types.Record{"id": "u1"}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	_, err = get(conn, "users", "u1")
	assert.ErrorIs(t, err, ErrNotFound)
}
