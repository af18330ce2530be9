package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactories builds each Store implementation against a temp dir so
// the same contract suite runs over both.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemory()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLite(filepath.Join(t.TempDir(), "kv.db"))
			require.NoError(t, err)
			return s
		},
	}
}

func TestStoreContract(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()

			// Absent key.
			_, ok, err := s.Load("missing")
			require.NoError(t, err)
			assert.False(t, ok)

			// Persist and load.
			require.NoError(t, s.Persist("a/1", []byte("one")))
			value, ok, err := s.Load("a/1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []byte("one"), value)

			// Overwrite.
			require.NoError(t, s.Persist("a/1", []byte("uno")))
			value, _, _ = s.Load("a/1")
			assert.Equal(t, []byte("uno"), value)

			// Delete is idempotent.
			require.NoError(t, s.Delete("a/1"))
			require.NoError(t, s.Delete("a/1"))
			_, ok, _ = s.Load("a/1")
			assert.False(t, ok)
		})
	}
}

func TestStoreListByPrefix(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()

			require.NoError(t, s.Persist("queue/dest1/b", []byte("2")))
			require.NoError(t, s.Persist("queue/dest1/a", []byte("1")))
			require.NoError(t, s.Persist("queue/dest2/c", []byte("3")))
			require.NoError(t, s.Persist("sync/dest1", []byte("4")))

			kvs, err := s.List("queue/dest1/")
			require.NoError(t, err)
			require.Len(t, kvs, 2)
			assert.Equal(t, "queue/dest1/a", kvs[0].Key)
			assert.Equal(t, "queue/dest1/b", kvs[1].Key)

			all, err := s.List("queue/")
			require.NoError(t, err)
			assert.Len(t, all, 3)

			none, err := s.List("absent/")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestMemoryCopiesValues(t *testing.T) {
	s := NewMemory()
	defer s.Close()

	buf := []byte("original")
	require.NoError(t, s.Persist("k", buf))
	buf[0] = 'X'

	value, _, err := s.Load("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), value, "store must not alias caller buffers")
}

func TestMemoryClosed(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Persist("k", nil), ErrClosed)
	_, _, err := s.Load("k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Delete("k"), ErrClosed)
	_, err = s.List("")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSQLitePersistAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")

	s, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Persist("queue/d/1", []byte("survives")))
	require.NoError(t, s.Close())

	s2, err := NewSQLite(path)
	require.NoError(t, err)
	defer s2.Close()

	value, ok, err := s2.Load("queue/d/1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("survives"), value)
}

func TestIsTransientSQLiteErr(t *testing.T) {
	assert.False(t, isTransientSQLiteErr(nil))
	assert.False(t, isTransientSQLiteErr(errors.New("syntax error")))
	assert.True(t, isTransientSQLiteErr(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.True(t, isTransientSQLiteErr(errors.New("SQLITE_LOCKED")))
}
