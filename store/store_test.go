package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulesthor/Pyramide-de-Gitan/pyramid"
)

func TestMemoryCreateLoad(t *testing.T) {
	m := NewMemory()

	id, err := m.Create(pyramid.NewGame("ABCD", 1000))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	g, err := m.Load(id)
	require.NoError(t, err)
	assert.Equal(t, "ABCD", g.GameCode)

	_, err = m.Load("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySnapshotIsolation(t *testing.T) {
	m := NewMemory()
	id, err := m.Create(pyramid.NewGame("ABCD", 1000))
	require.NoError(t, err)

	g, err := m.Load(id)
	require.NoError(t, err)
	g.GameCode = "MUTATED"
	g.Players["x"] = &pyramid.Player{Name: "X"}

	fresh, err := m.Load(id)
	require.NoError(t, err)
	assert.Equal(t, "ABCD", fresh.GameCode)
	assert.Empty(t, fresh.Players)
}

func TestMemoryUpdate(t *testing.T) {
	m := NewMemory()
	id, err := m.Create(pyramid.NewGame("ABCD", 1000))
	require.NoError(t, err)

	snap, err := m.Update(id, func(g *pyramid.Game) error {
		return g.Join("p1", "Alice", "")
	})
	require.NoError(t, err)
	assert.Contains(t, snap.Players, "p1")

	// A failed mutate writes and publishes nothing, even if it got
	// partway through.
	_, err = m.Update(id, func(g *pyramid.Game) error {
		g.Players["p2"] = &pyramid.Player{Name: "ghost"}
		return g.Start("p1", 1000)
	})
	require.Error(t, err)

	g, err := m.Load(id)
	require.NoError(t, err)
	assert.NotContains(t, g.Players, "p2")
}

func TestMemoryWatch(t *testing.T) {
	m := NewMemory()
	id, err := m.Create(pyramid.NewGame("ABCD", 1000))
	require.NoError(t, err)

	ch, cancel, err := m.Watch(id)
	require.NoError(t, err)
	defer cancel()

	// The current snapshot arrives first.
	first := <-ch
	assert.Equal(t, "ABCD", first.GameCode)

	_, err = m.Update(id, func(g *pyramid.Game) error {
		return g.Join("p1", "Alice", "")
	})
	require.NoError(t, err)

	next := <-ch
	assert.Contains(t, next.Players, "p1")
}

func TestMemoryWatchClosedOnDelete(t *testing.T) {
	m := NewMemory()
	id, err := m.Create(pyramid.NewGame("ABCD", 1000))
	require.NoError(t, err)

	ch, _, err := m.Watch(id)
	require.NoError(t, err)
	<-ch

	require.NoError(t, m.Delete(id))

	_, open := <-ch
	assert.False(t, open, "deleting a game closes its watchers")

	assert.ErrorIs(t, m.Delete(id), ErrNotFound)
}

func TestMemoryChat(t *testing.T) {
	m := NewMemory()
	id, err := m.Create(pyramid.NewGame("ABCD", 1000))
	require.NoError(t, err)

	key, err := m.PushChat(id, ChatEntry{PlayerID: "p1", PlayerName: "Alice", Message: "salut", Timestamp: 1})
	require.NoError(t, err)
	require.NotEmpty(t, key)

	// Late watchers get a replay of existing entries.
	ch, cancel, err := m.WatchChat(id)
	require.NoError(t, err)
	defer cancel()

	replayed := <-ch
	assert.Equal(t, key, replayed.Key)
	assert.Equal(t, "salut", replayed.Message)

	_, err = m.PushChat(id, ChatEntry{PlayerID: "p2", PlayerName: "Bob", Message: "santé", Timestamp: 2})
	require.NoError(t, err)

	live := <-ch
	assert.Equal(t, "santé", live.Message)
}

func TestSQLiteReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "games.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)

	id, err := s.Create(pyramid.NewGame("WXYZ", 1000))
	require.NoError(t, err)

	_, err = s.Update(id, func(g *pyramid.Game) error {
		if err := g.Join("p1", "Alice", "🦊"); err != nil {
			return err
		}
		return g.Join("p2", "Bob", "")
	})
	require.NoError(t, err)

	_, err = s.PushChat(id, ChatEntry{PlayerID: "p1", PlayerName: "Alice", Message: "salut", Timestamp: 1})
	require.NoError(t, err)

	require.NoError(t, s.Close())

	// Reopen and verify the session survived.
	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	g, err := s.Load(id)
	require.NoError(t, err)
	assert.Equal(t, "WXYZ", g.GameCode)
	assert.Equal(t, "p1", g.HostID)
	assert.Len(t, g.Players, 2)
	assert.Equal(t, "Alice", g.Players["p1"].Name)

	ch, cancel, err := s.WatchChat(id)
	require.NoError(t, err)
	defer cancel()

	entry := <-ch
	assert.Equal(t, "salut", entry.Message)

	games, err := s.List()
	require.NoError(t, err)
	assert.Contains(t, games, id)
}

func TestSQLiteDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "games.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)

	id, err := s.Create(pyramid.NewGame("WXYZ", 1000))
	require.NoError(t, err)
	require.NoError(t, s.Delete(id))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Load(id)
	assert.ErrorIs(t, err, ErrNotFound)
}
