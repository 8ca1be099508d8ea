package main

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
)

const (
	statusWaiting   = "waiting"
	statusActive    = "active"
	statusCompleted = "completed"
)

var (
	errGameNotFound  = errors.New("game not found")
	errGameCompleted = errors.New("this game has already ended")
)

// Game is a lobby entry: the named session players create and join by
// code, before any realtime connection exists. The join code doubles
// as the room key for the socket layer.
type Game struct {
	ID        string    `json:"gameId"`
	Name      string    `json:"name"`
	JoinCode  string    `json:"joinCode"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`

	createdBy  string
	lastActive time.Time
}

// Lobby holds all known games keyed by id, with a join-code index, so
// each code maps to its own session.
type Lobby struct {
	mu          sync.Mutex
	games       map[string]*Game
	codes       map[string]string
	idleTimeout time.Duration
}

func newLobby(idleTimeout time.Duration) *Lobby {
	l := &Lobby{
		games:       make(map[string]*Game),
		codes:       make(map[string]string),
		idleTimeout: idleTimeout,
	}
	if idleTimeout > 0 {
		go l.reaperLoop()
	}
	return l
}

// newJoinCode generates a crypto-random 6-character join code and
// ensures it doesn't collide with existing games.
func (l *Lobby) newJoinCode() string {
	const letters = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	for {
		buf := make([]byte, 6)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 6)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		code := string(out)

		l.mu.Lock()
		_, exists := l.codes[code]
		l.mu.Unlock()

		if !exists {
			return code
		}
	}
}

func (l *Lobby) create(name, userID string) *Game {
	code := l.newJoinCode()
	now := time.Now()

	game := &Game{
		ID:         uuid.NewString(),
		Name:       name,
		JoinCode:   code,
		Status:     statusWaiting,
		CreatedAt:  now,
		createdBy:  userID,
		lastActive: now,
	}

	l.mu.Lock()
	l.games[game.ID] = game
	l.codes[code] = game.ID
	l.mu.Unlock()

	return game
}

// joinByCode resolves a join code to its game and marks the game
// active. Completed games cannot be joined.
func (l *Lobby) joinByCode(code string) (*Game, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id, ok := l.codes[code]
	if !ok {
		return nil, errGameNotFound
	}
	game := l.games[id]

	if game.Status == statusCompleted {
		return nil, errGameCompleted
	}

	game.Status = statusActive
	game.lastActive = time.Now()

	return game, nil
}

// byCode resolves a join code without mutating the game.
func (l *Lobby) byCode(code string) (*Game, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id, ok := l.codes[code]
	if !ok {
		return nil, false
	}
	return l.games[id], true
}

// listByCreator returns the user's games, newest first.
func (l *Lobby) listByCreator(userID string) []*Game {
	l.mu.Lock()
	defer l.mu.Unlock()

	games := make([]*Game, 0)
	for _, game := range l.games {
		if game.createdBy == userID {
			games = append(games, game)
		}
	}

	sort.Slice(games, func(i, j int) bool {
		return games[i].CreatedAt.After(games[j].CreatedAt)
	})

	return games
}

// touch refreshes a game's idle clock, keyed by join code.
func (l *Lobby) touch(code string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id, ok := l.codes[code]; ok {
		l.games[id].lastActive = time.Now()
	}
}

// reaperLoop periodically removes games that have been idle longer
// than idleTimeout.
func (l *Lobby) reaperLoop() {
	ticker := time.NewTicker(l.idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-l.idleTimeout)

		l.mu.Lock()
		for id, game := range l.games {
			if game.lastActive.Before(cutoff) {
				delete(l.codes, game.JoinCode)
				delete(l.games, id)
			}
		}
		l.mu.Unlock()
	}
}

func writeJSON(cfg *Config, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	securityHeaders(cfg, w)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(cfg *Config, w http.ResponseWriter, status int, msg string) {
	writeJSON(cfg, w, status, map[string]string{"error": msg})
}

// serveCreateGame handles POST /api/games: create a named game for
// the cookie identity and hand back its id and join code.
func serveCreateGame(cfg *Config, l *Lobby) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		userID := getOrSetPlayerID(w, r)
		if userID == "" {
			writeJSONError(cfg, w, http.StatusUnauthorized, "authentication required")
			return
		}

		var body struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
			writeJSONError(cfg, w, http.StatusBadRequest, "game name is required")
			return
		}

		game := l.create(body.Name, userID)
		logf(cfg, "GAMES: Created game %q with code %s", game.Name, game.JoinCode)

		writeJSON(cfg, w, http.StatusOK, map[string]any{
			"success":  true,
			"gameId":   game.ID,
			"joinCode": game.JoinCode,
		})
	}
}

// serveJoinGame handles POST /api/games/join: resolve a join code so
// the client can open its socket connection for that room.
func serveJoinGame(cfg *Config, l *Lobby) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var body struct {
			JoinCode   string `json:"joinCode"`
			PlayerName string `json:"playerName"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.JoinCode == "" || body.PlayerName == "" {
			writeJSONError(cfg, w, http.StatusBadRequest, "join code and player name are required")
			return
		}

		game, err := l.joinByCode(body.JoinCode)
		switch {
		case errors.Is(err, errGameNotFound):
			writeJSONError(cfg, w, http.StatusNotFound, "game not found")
			return
		case err != nil:
			writeJSONError(cfg, w, http.StatusBadRequest, err.Error())
			return
		}

		logf(cfg, "GAMES: Player %q joined game %q", body.PlayerName, game.Name)

		writeJSON(cfg, w, http.StatusOK, map[string]any{
			"success":  true,
			"gameId":   game.ID,
			"joinCode": game.JoinCode,
		})
	}
}

// serveListGames handles GET /api/games: the caller's games, newest
// first.
func serveListGames(cfg *Config, l *Lobby) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		userID := getOrSetPlayerID(w, r)
		if userID == "" {
			writeJSONError(cfg, w, http.StatusUnauthorized, "authentication required")
			return
		}

		writeJSON(cfg, w, http.StatusOK, l.listByCreator(userID))
	}
}
