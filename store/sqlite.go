package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/paulesthor/Pyramide-de-Gitan/pyramid"
)

const schema = `
CREATE TABLE IF NOT EXISTS games (
	id         TEXT PRIMARY KEY,
	code       TEXT NOT NULL,
	snapshot   TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS chat (
	key     TEXT PRIMARY KEY,
	game_id TEXT NOT NULL,
	entry   TEXT NOT NULL,
	ts      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS chat_game_ts ON chat (game_id, ts);
`

// SQLite journals every snapshot and chat entry of the in-memory store
// to disk, and reloads live sessions on startup, so a server restart
// does not end running games. Reads and notifications are still served
// from memory.
type SQLite struct {
	mem *Memory
	db  *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &SQLite{
		mem: NewMemory(),
		db:  db,
	}
	if err := s.reload(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) reload() error {
	rows, err := s.db.Query(`SELECT id, snapshot FROM games`)
	if err != nil {
		return fmt.Errorf("load games: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, snapshot string
		if err := rows.Scan(&id, &snapshot); err != nil {
			return err
		}
		var g pyramid.Game
		if err := json.Unmarshal([]byte(snapshot), &g); err != nil {
			return fmt.Errorf("decode game %s: %w", id, err)
		}
		chat, err := s.loadChat(id)
		if err != nil {
			return err
		}
		s.mem.put(id, &g, chat)
	}
	return rows.Err()
}

func (s *SQLite) loadChat(gameID string) ([]ChatEntry, error) {
	rows, err := s.db.Query(`SELECT entry FROM chat WHERE game_id = ? ORDER BY ts`, gameID)
	if err != nil {
		return nil, fmt.Errorf("load chat: %w", err)
	}
	defer rows.Close()

	var chat []ChatEntry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var entry ChatEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("decode chat entry: %w", err)
		}
		chat = append(chat, entry)
	}
	return chat, rows.Err()
}

func (s *SQLite) persist(id string, g *pyramid.Game) error {
	snapshot, err := json.Marshal(g)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO games (id, code, snapshot, updated_at) VALUES (?, ?, ?, ?)`,
		id, g.GameCode, string(snapshot), time.Now().UnixMilli(),
	)
	return err
}

func (s *SQLite) Create(g *pyramid.Game) (string, error) {
	id, err := s.mem.Create(g)
	if err != nil {
		return "", err
	}
	if err := s.persist(id, g); err != nil {
		return "", err
	}
	return id, nil
}

func (s *SQLite) Load(id string) (*pyramid.Game, error) {
	return s.mem.Load(id)
}

func (s *SQLite) Update(id string, mutate func(*pyramid.Game) error) (*pyramid.Game, error) {
	snap, err := s.mem.Update(id, mutate)
	if err != nil {
		return nil, err
	}
	if err := s.persist(id, snap); err != nil {
		return snap, err
	}
	return snap, nil
}

func (s *SQLite) PushChat(id string, entry ChatEntry) (string, error) {
	key, err := s.mem.PushChat(id, entry)
	if err != nil {
		return "", err
	}
	entry.Key = key
	raw, err := json.Marshal(entry)
	if err != nil {
		return key, err
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO chat (key, game_id, entry, ts) VALUES (?, ?, ?, ?)`,
		key, id, string(raw), entry.Timestamp,
	)
	return key, err
}

func (s *SQLite) Watch(id string) (<-chan *pyramid.Game, func(), error) {
	return s.mem.Watch(id)
}

func (s *SQLite) WatchChat(id string) (<-chan ChatEntry, func(), error) {
	return s.mem.WatchChat(id)
}

func (s *SQLite) List() (map[string]*pyramid.Game, error) {
	return s.mem.List()
}

func (s *SQLite) Delete(id string) error {
	if err := s.mem.Delete(id); err != nil {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM chat WHERE game_id = ?`, id); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM games WHERE id = ?`, id)
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
