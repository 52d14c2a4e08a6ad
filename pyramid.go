// Pyramide game server
//
// Players join a shared session by 4-letter code, get dealt four hidden
// cards, and take turns predicting properties of their own cards
// (red/black, higher/lower, inside/outside, suit). Wrong guesses cost
// the guesser sips; right guesses let them hand sips to someone else.
// Once every hand is face up, the host reveals the pyramid card by
// card: each reveal lets every player give the card's sip stake away
// or pass, received sips queue up per player and can be drunk or
// contested with a liar accusation, resolved by showing a proof card.
//
// Features:
// - WebSockets per session: /path/:code and /path/:code/ws
// - First player to join a session becomes the host
// - Host starts the game and reveals pyramid cards
// - Players identified by cookie (playerID), presence tracked on disconnect
// - 4-letter join codes from an alphabet without 0/O/1/I
// - Game state lives in a subscribable document store (memory or sqlite)
// - Per-session chat, push-appended and replayed to late joiners
// - Sessions auto-reaped after configurable idle timeout
// - In-browser QR button to share the current session, backed by go-qrcode

package main

import (
	"crypto/rand"
	_ "embed"
	"encoding/hex"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"

	"github.com/paulesthor/Pyramide-de-Gitan/pyramid"
	"github.com/paulesthor/Pyramide-de-Gitan/store"
)

// Messages coming from clients
type ClientMessage struct {
	Type      string `json:"type"`                 // "join", "ready", "start", "predict", "give", "reveal", "give_sips", "pass", "drink", "accuse", "proof", "chat", "leave"
	Name      string `json:"name,omitempty"`       // join
	Avatar    string `json:"avatar,omitempty"`     // join
	Choice    string `json:"choice,omitempty"`     // predict
	Target    string `json:"target,omitempty"`     // give / give_sips
	Row       int    `json:"row"`                  // reveal
	Col       int    `json:"col"`                  // reveal
	EventID   string `json:"event_id,omitempty"`   // drink / accuse
	CardIndex int    `json:"card_index"`           // proof
	Message   string `json:"message,omitempty"`    // chat
}

// SessionInfoMessage is sent immediately on connect so the client knows
// who it is and whether it still has to join.
type SessionInfoMessage struct {
	Type       string `json:"type"` // "session_info"
	PlayerID   string `json:"player_id"`
	GameCode   string `json:"game_code"`
	IsHost     bool   `json:"is_host"`
	IsExisting bool   `json:"is_existing"`
}

// GameStateMessage carries the full shared snapshot after every
// accepted action.
type GameStateMessage struct {
	Type string        `json:"type"` // "game_state"
	Game *pyramid.Game `json:"game"`
}

// PredictionMessage informs everyone about a prediction outcome.
type PredictionMessage struct {
	Type    string       `json:"type"` // "prediction_result"
	Player  string       `json:"player"`
	Correct bool         `json:"correct"`
	Step    int          `json:"step"`
	Card    pyramid.Card `json:"card"`
}

// ChatBroadcast wraps a push-appended chat entry.
type ChatBroadcast struct {
	Type  string          `json:"type"` // "chat"
	Entry store.ChatEntry `json:"entry"`
}

// NoticeMessage is a transient, single-client notice (rejected action,
// storage failure). No state mutation accompanies it.
type NoticeMessage struct {
	Type    string `json:"type"` // "notice"
	Level   string `json:"level"`
	Message string `json:"message"`
}

// SimpleMessage is for generic notifications ("session_ended", etc.)
type SimpleMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type Client struct {
	conn     *websocket.Conn
	send     chan any
	playerID string
}

type actionRequest struct {
	client *Client
	msg    ClientMessage
}

type Hub struct {
	code   string
	gameID string
	docs   store.Store

	clients map[*Client]bool

	register chan *Client
	unreg    chan *Client
	actions  chan actionRequest

	// done is closed when run returns, so client pumps never block on
	// a dead hub.
	done chan struct{}

	mu sync.RWMutex

	createdAt  time.Time
	lastActive time.Time
}

func newHub(code, gameID string, docs store.Store) *Hub {
	now := time.Now()
	return &Hub{
		code:       code,
		gameID:     gameID,
		docs:       docs,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unreg:      make(chan *Client),
		actions:    make(chan actionRequest),
		done:       make(chan struct{}),
		createdAt:  now,
		lastActive: now,
	}
}

func (h *Hub) run(cfg *Config) {
	defer close(h.done)

	snaps, cancelSnaps, err := h.docs.Watch(h.gameID)
	if err != nil {
		log.Println("watch error:", err)
		return
	}
	defer cancelSnaps()

	chats, cancelChat, err := h.docs.WatchChat(h.gameID)
	if err != nil {
		log.Println("watch chat error:", err)
		return
	}
	defer cancelChat()

	for {
		select {
		case c := <-h.register:
			h.handleRegister(c)

		case c := <-h.unreg:
			h.handleUnregister(cfg, c)

		case ar := <-h.actions:
			h.handleAction(cfg, ar)

		case snap, ok := <-snaps:
			// A closed snapshot channel means the document was deleted.
			if !ok {
				h.closeAll()
				return
			}
			h.broadcast(GameStateMessage{Type: "game_state", Game: snap})

		case entry, ok := <-chats:
			if !ok {
				chats = nil
				continue
			}
			h.broadcast(ChatBroadcast{Type: "chat", Entry: entry})
		}
	}
}

func (h *Hub) handleRegister(c *Client) {
	h.mu.Lock()
	h.lastActive = time.Now()
	h.clients[c] = true
	h.mu.Unlock()

	g, err := h.docs.Load(h.gameID)
	if err != nil {
		c.send <- SimpleMessage{Type: "session_ended", Message: "This game no longer exists."}
		return
	}

	_, isExisting := g.Players[c.playerID]

	// A started game takes no strangers.
	if !isExisting && g.Status != pyramid.StatusWaiting {
		c.send <- SimpleMessage{Type: "kicked", Message: "This game has already started."}
		return
	}

	c.send <- SessionInfoMessage{
		Type:       "session_info",
		PlayerID:   c.playerID,
		GameCode:   g.GameCode,
		IsHost:     g.HostID == c.playerID,
		IsExisting: isExisting,
	}

	if isExisting {
		if snap, err := h.docs.Update(h.gameID, func(g *pyramid.Game) error {
			return g.SetOnline(c.playerID, true)
		}); err == nil {
			g = snap
		}
	}

	c.send <- GameStateMessage{Type: "game_state", Game: g}
}

func (h *Hub) handleUnregister(cfg *Config, c *Client) {
	h.mu.Lock()
	h.lastActive = time.Now()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}

	stillConnected := false
	for other := range h.clients {
		if other.playerID == c.playerID {
			stillConnected = true
			break
		}
	}
	h.mu.Unlock()

	// Disconnect hook: flag the player offline unless another tab of
	// theirs is still attached.
	if !stillConnected {
		_, _ = h.docs.Update(h.gameID, func(g *pyramid.Game) error {
			return g.SetOnline(c.playerID, false)
		})

		if cfg.playerTimeout > 0 {
			go h.scheduleRemoval(c.playerID, cfg.playerTimeout)
		}
	}
}

// scheduleRemoval waits out the player timeout, then kicks the player
// from a waiting lobby if they never reconnected.
func (h *Hub) scheduleRemoval(playerID string, d time.Duration) {
	time.Sleep(d)

	h.mu.RLock()
	for client := range h.clients {
		if client.playerID == playerID {
			h.mu.RUnlock()
			return
		}
	}
	h.mu.RUnlock()

	_, _ = h.docs.Update(h.gameID, func(g *pyramid.Game) error {
		return g.ReapOffline(playerID)
	})
}

func (h *Hub) handleAction(cfg *Config, ar actionRequest) {
	c := ar.client
	msg := ar.msg

	h.mu.Lock()
	h.lastActive = time.Now()
	h.mu.Unlock()

	now := time.Now().UnixMilli()

	if msg.Type == "chat" {
		h.handleChat(cfg, c, msg, now)
		return
	}

	var prediction pyramid.PredictionResult
	var mutate func(g *pyramid.Game) error

	switch msg.Type {
	case "join":
		name := strings.TrimSpace(msg.Name)
		if name == "" {
			h.notify(c, "error", "A name is required.")
			return
		}
		mutate = func(g *pyramid.Game) error {
			return g.Join(c.playerID, name, msg.Avatar)
		}
	case "ready":
		mutate = func(g *pyramid.Game) error {
			return g.ToggleReady(c.playerID)
		}
	case "start":
		mutate = func(g *pyramid.Game) error {
			return g.Start(c.playerID, now)
		}
	case "predict":
		mutate = func(g *pyramid.Game) error {
			res, err := g.Predict(c.playerID, msg.Choice)
			prediction = res
			return err
		}
	case "give":
		mutate = func(g *pyramid.Game) error {
			return g.GiveSips(c.playerID, msg.Target, store.PushKey(), now)
		}
	case "reveal":
		mutate = func(g *pyramid.Game) error {
			return g.RevealPyramid(c.playerID, msg.Row, msg.Col, now, cfg.turnTimeout)
		}
	case "give_sips":
		mutate = func(g *pyramid.Game) error {
			return g.GivePyramidSips(c.playerID, msg.Target, store.PushKey(), now)
		}
	case "pass":
		mutate = func(g *pyramid.Game) error {
			return g.Pass(c.playerID)
		}
	case "drink":
		mutate = func(g *pyramid.Game) error {
			return g.Drink(c.playerID, msg.EventID)
		}
	case "accuse":
		mutate = func(g *pyramid.Game) error {
			return g.Accuse(c.playerID, msg.EventID)
		}
	case "proof":
		mutate = func(g *pyramid.Game) error {
			return g.ShowProof(c.playerID, msg.CardIndex)
		}
	case "leave":
		mutate = func(g *pyramid.Game) error {
			return g.Leave(c.playerID)
		}
	default:
		// ignore unknown types
		return
	}

	snap, err := h.docs.Update(h.gameID, mutate)
	if err != nil {
		h.notify(c, "error", err.Error())
		return
	}

	logf(cfg, "GAMES: %q by player %s in %s", msg.Type, c.playerID, h.code)

	if msg.Type == "predict" {
		name := c.playerID
		if p, ok := snap.Players[c.playerID]; ok {
			name = p.Name
		}
		h.broadcast(PredictionMessage{
			Type:    "prediction_result",
			Player:  name,
			Correct: prediction.Correct,
			Step:    prediction.Step,
			Card:    prediction.Card,
		})
	}
}

func (h *Hub) handleChat(cfg *Config, c *Client, msg ClientMessage, now int64) {
	text := strings.TrimSpace(msg.Message)
	if text == "" {
		return
	}

	g, err := h.docs.Load(h.gameID)
	if err != nil {
		h.notify(c, "error", "This game no longer exists.")
		return
	}
	p, ok := g.Players[c.playerID]
	if !ok {
		return
	}

	if _, err := h.docs.PushChat(h.gameID, store.ChatEntry{
		PlayerID:   c.playerID,
		PlayerName: p.Name,
		Avatar:     p.Avatar,
		Message:    text,
		Timestamp:  now,
	}); err != nil {
		h.notify(c, "error", "Could not send message.")
		return
	}

	logf(cfg, "GAMES: chat from %q in %s", p.Name, h.code)
}

func (h *Hub) notify(c *Client, level, message string) {
	select {
	case c.send <- NoticeMessage{Type: "notice", Level: level, Message: message}:
	default:
	}
}

func (h *Hub) broadcast(msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}
}

// closeAll disconnects all clients of this hub (used by reaper).
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		_ = c.conn.Close()
		delete(h.clients, c)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const playerCookieName = "pyramide_id"

func getOrSetPlayerID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(playerCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		log.Println("rand.Read error:", err)
		return ""
	}
	id := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

// GameManager holds a set of hubs keyed by join code, so each
// $path/$code is its own isolated session.
type GameManager struct {
	mu          sync.Mutex
	hubs        map[string]*Hub
	docs        store.Store
	idleTimeout time.Duration
}

func newGameManager(docs store.Store, idleTimeout time.Duration) *GameManager {
	gm := &GameManager{
		hubs:        make(map[string]*Hub),
		docs:        docs,
		idleTimeout: idleTimeout,
	}
	if idleTimeout > 0 {
		go gm.reaperLoop()
	}
	return gm
}

// resume recreates hubs for sessions a persistent store carried over a
// restart.
func (gm *GameManager) resume(cfg *Config) {
	games, err := gm.docs.List()
	if err != nil {
		log.Println("resume error:", err)
		return
	}

	gm.mu.Lock()
	defer gm.mu.Unlock()

	for id, g := range games {
		if g.GameCode == "" {
			continue
		}
		if _, ok := gm.hubs[g.GameCode]; ok {
			continue
		}
		hub := newHub(g.GameCode, id, gm.docs)
		gm.hubs[g.GameCode] = hub
		go hub.run(cfg)
		logf(cfg, "GAMES: Resumed game %s", g.GameCode)
	}
}

// newGame creates a fresh session: a join code, a waiting-lobby
// document, and a hub. Codes are a uniform random draw with no
// collision check; at party scale that risk is accepted.
func (gm *GameManager) newGame(cfg *Config) (string, error) {
	code := newGameCode()

	id, err := gm.docs.Create(pyramid.NewGame(code, time.Now().UnixMilli()))
	if err != nil {
		return "", err
	}

	hub := newHub(code, id, gm.docs)

	gm.mu.Lock()
	gm.hubs[code] = hub
	gm.mu.Unlock()

	go hub.run(cfg)
	return code, nil
}

func (gm *GameManager) lookup(code string) (*Hub, bool) {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	hub, ok := gm.hubs[code]
	return hub, ok
}

// newGameCode draws 4 characters from an alphabet that leaves out the
// ambiguous 0/O/1/I. 32 letters divide evenly into a byte, so a plain
// modulus stays uniform.
func newGameCode() string {
	const letters = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}
	out := make([]byte, 4)
	for i := range out {
		out[i] = letters[int(buf[i])%len(letters)]
	}
	return string(out)
}

// reaperLoop periodically removes hubs that have been idle longer than
// idleTimeout, deleting their documents.
func (gm *GameManager) reaperLoop() {
	ticker := time.NewTicker(gm.idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-gm.idleTimeout)

		gm.mu.Lock()
		for code, hub := range gm.hubs {
			hub.mu.RLock()
			last := hub.lastActive
			hub.mu.RUnlock()

			if last.Before(cutoff) {
				delete(gm.hubs, code)
				_ = gm.docs.Delete(hub.gameID)
			}
		}
		gm.mu.Unlock()
	}
}

// WebSocket handler that picks the hub based on :code
func serveWSForManager(cfg *Config, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := strings.ToUpper(ps.ByName("code"))

		hub, ok := gm.lookup(code)
		if !ok {
			http.Error(w, "unknown game", http.StatusNotFound)
			return
		}

		playerID := getOrSetPlayerID(w, r)
		if playerID == "" {
			http.Error(w, "unable to assign player id", http.StatusInternalServerError)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn:     conn,
			send:     make(chan any, 8),
			playerID: playerID,
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			_ = conn.Close()
			return
		}

		go client.writePump()
		client.readPump(hub)
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unreg <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		select {
		case h.actions <- actionRequest{client: c, msg: msg}:
		case <-h.done:
			return
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for the current game URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	code := ps.ByName("code")
	if code == "" {
		http.Error(w, "missing game code", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:code/qr; strip trailing "/qr" to get the game URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// ---- Static file paths ----

//go:embed pyramide/index.html
var indexHTML []byte

//go:embed pyramide/app.css
var pyramideCSS []byte

//go:embed pyramide/app.js
var pyramideJS []byte

func getIndexHandler(cfg *Config, path string, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := strings.ToUpper(ps.ByName("code"))
		if _, ok := gm.lookup(code); !ok {
			// Invalid session: back to the entry point.
			http.Redirect(w, r, path, http.StatusTemporaryRedirect)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		_ = getOrSetPlayerID(w, r)

		_, _ = w.Write(indexHTML)
	}
}

func getCssHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(pyramideCSS)
	}
}

func getJsHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(pyramideJS)
	}
}

// redirectNewGame handles GET /path by creating a new session and
// redirecting to /path/:code.
func redirectNewGame(cfg *Config, path string, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		code, err := gm.newGame(cfg)
		if err != nil {
			http.Error(w, "unable to create game", http.StatusInternalServerError)
			return
		}
		logf(cfg, "GAMES: Created game %s/%s", path, code)
		http.Redirect(w, r, path+"/"+code, http.StatusTemporaryRedirect)
	}
}

// registerPyramidGame sets up routes so that:
//   - $path                  → redirects to a new session (4-letter code)
//   - $path/:code            → HTML client
//   - $path/:code/ws         → WebSocket for that session
//   - $path/:code/qr         → PNG QR code for that session URL
func registerPyramidGame(cfg *Config, path string, mux *httprouter.Router, docs store.Store) {
	gm := newGameManager(docs, cfg.sessionTimeout)
	gm.resume(cfg)

	// Root path → redirect to new session
	mux.GET(path, redirectNewGame(cfg, path, gm))

	// Per-session client view (HTML)
	mux.GET(cfg.prefix+path+"/:code", getIndexHandler(cfg, path, gm))

	// Shared assets (no code in route)
	mux.GET(cfg.prefix+"/assets/pyramide/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/pyramide/app.js", getJsHandler(cfg))

	// Per-session websocket
	mux.GET(cfg.prefix+path+"/:code/ws", serveWSForManager(cfg, gm))

	// Per-session QR code
	mux.GET(cfg.prefix+path+"/:code/qr", qrHandler)
}
