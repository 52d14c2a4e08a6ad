// Package store is the shared-document collaborator the game runs on:
// a subscribable store of game snapshots keyed by session id. It
// offers exactly the primitives the rules engine's hosting shell
// needs: snapshot read, atomic read-modify-write updates with
// value-changed notification, push-appended chat entries with opaque
// unique keys and child-added notification, and deletion.
package store

import (
	"errors"

	"github.com/google/uuid"

	"github.com/paulesthor/Pyramide-de-Gitan/pyramid"
)

var ErrNotFound = errors.New("store: game not found")

// ChatEntry is one push-appended chat message.
type ChatEntry struct {
	Key        string `json:"key,omitempty"`
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
	Avatar     string `json:"avatar,omitempty"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
}

// Store holds game documents. Update runs its mutate function under
// the store's lock; a mutate error aborts the write and nothing is
// published. Watch channels deliver deep-copied snapshots, starting
// with the current value; WatchChat replays existing entries first.
type Store interface {
	Create(g *pyramid.Game) (string, error)
	Load(id string) (*pyramid.Game, error)
	Update(id string, mutate func(*pyramid.Game) error) (*pyramid.Game, error)
	PushChat(id string, entry ChatEntry) (string, error)
	Watch(id string) (<-chan *pyramid.Game, func(), error)
	WatchChat(id string) (<-chan ChatEntry, func(), error)
	List() (map[string]*pyramid.Game, error)
	Delete(id string) error
	Close() error
}

// PushKey returns an opaque unique child key.
func PushKey() string {
	return uuid.NewString()
}
