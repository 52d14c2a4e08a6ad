package store

import (
	"sync"

	"github.com/paulesthor/Pyramide-de-Gitan/pyramid"
)

const (
	snapshotBuffer = 64
	chatBuffer     = 256
)

type document struct {
	game         *pyramid.Game
	chat         []ChatEntry
	watchers     map[chan *pyramid.Game]struct{}
	chatWatchers map[chan ChatEntry]struct{}
}

// Memory is the in-process Store. All clients of one server share it,
// so a single mutex-guarded map is the whole synchronization story.
type Memory struct {
	mu    sync.RWMutex
	games map[string]*document
}

func NewMemory() *Memory {
	return &Memory{
		games: make(map[string]*document),
	}
}

func newDocument(g *pyramid.Game) *document {
	return &document{
		game:         g,
		watchers:     make(map[chan *pyramid.Game]struct{}),
		chatWatchers: make(map[chan ChatEntry]struct{}),
	}
}

func (m *Memory) Create(g *pyramid.Game) (string, error) {
	id := PushKey()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.games[id] = newDocument(g.Clone())
	return id, nil
}

// put seeds a document under a known id, for stores reloading
// persisted sessions.
func (m *Memory) put(id string, g *pyramid.Game, chat []ChatEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := newDocument(g.Clone())
	doc.chat = chat
	m.games[id] = doc
}

func (m *Memory) Load(id string) (*pyramid.Game, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.games[id]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.game.Clone(), nil
}

func (m *Memory) Update(id string, mutate func(*pyramid.Game) error) (*pyramid.Game, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.games[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := doc.game.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	doc.game = next
	snap := next.Clone()
	for ch := range doc.watchers {
		select {
		case ch <- snap:
		default:
		}
	}
	return snap, nil
}

func (m *Memory) PushChat(id string, entry ChatEntry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.games[id]
	if !ok {
		return "", ErrNotFound
	}
	entry.Key = PushKey()
	doc.chat = append(doc.chat, entry)
	for ch := range doc.chatWatchers {
		select {
		case ch <- entry:
		default:
		}
	}
	return entry.Key, nil
}

func (m *Memory) Watch(id string) (<-chan *pyramid.Game, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.games[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	ch := make(chan *pyramid.Game, snapshotBuffer)
	ch <- doc.game.Clone()
	doc.watchers[ch] = struct{}{}

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if doc, ok := m.games[id]; ok {
			if _, ok := doc.watchers[ch]; ok {
				delete(doc.watchers, ch)
				close(ch)
			}
		}
	}
	return ch, cancel, nil
}

func (m *Memory) WatchChat(id string) (<-chan ChatEntry, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.games[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	ch := make(chan ChatEntry, chatBuffer)
	for _, entry := range doc.chat {
		select {
		case ch <- entry:
		default:
		}
	}
	doc.chatWatchers[ch] = struct{}{}

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if doc, ok := m.games[id]; ok {
			if _, ok := doc.chatWatchers[ch]; ok {
				delete(doc.chatWatchers, ch)
				close(ch)
			}
		}
	}
	return ch, cancel, nil
}

func (m *Memory) List() (map[string]*pyramid.Game, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*pyramid.Game, len(m.games))
	for id, doc := range m.games {
		out[id] = doc.game.Clone()
	}
	return out, nil
}

func (m *Memory) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.games[id]
	if !ok {
		return ErrNotFound
	}
	for ch := range doc.watchers {
		close(ch)
	}
	for ch := range doc.chatWatchers {
		close(ch)
	}
	delete(m.games, id)
	return nil
}

func (m *Memory) Close() error {
	return nil
}
