package main

import (
	_ "embed"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
)

//go:embed cards.json
var cardsJSON []byte

// Card is one displayable prompt in the shared deck. The socket layer
// only ever sees an index into this sequence, never the content.
type Card struct {
	ID      string `json:"id"`
	Type    string `json:"type"` // "dare" or "question"
	Content string `json:"content"`
}

// Deck is the ordered, room-agnostic card sequence every game deals
// from. Ids are assigned once at load.
type Deck struct {
	cards []Card
	byID  map[string]int
}

func loadDeck() (*Deck, error) {
	var cards []Card
	if err := json.Unmarshal(cardsJSON, &cards); err != nil {
		return nil, err
	}

	d := &Deck{
		cards: cards,
		byID:  make(map[string]int, len(cards)),
	}
	for i := range d.cards {
		d.cards[i].ID = uuid.NewString()
		d.byID[d.cards[i].ID] = i
	}

	return d, nil
}

func (d *Deck) len() int {
	return len(d.cards)
}

func (d *Deck) contains(cardID string) bool {
	_, ok := d.byID[cardID]
	return ok
}

// Favorites tracks which cards each user has starred, in memory.
type Favorites struct {
	mu     sync.Mutex
	byUser map[string]map[string]time.Time
}

func newFavorites() *Favorites {
	return &Favorites{
		byUser: make(map[string]map[string]time.Time),
	}
}

// toggle flips the favorite state of cardID for userID and reports
// whether the card is now favorited.
func (f *Favorites) toggle(userID, cardID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	cards, ok := f.byUser[userID]
	if !ok {
		cards = make(map[string]time.Time)
		f.byUser[userID] = cards
	}

	if _, ok := cards[cardID]; ok {
		delete(cards, cardID)
		if len(cards) == 0 {
			delete(f.byUser, userID)
		}
		return false
	}

	cards[cardID] = time.Now()
	return true
}

func (f *Favorites) has(userID, cardID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.byUser[userID][cardID]
	return ok
}

func (f *Favorites) count(cardID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, cards := range f.byUser {
		if _, ok := cards[cardID]; ok {
			n++
		}
	}
	return n
}

type favoriteEntry struct {
	cardID string
	when   time.Time
}

func (f *Favorites) list(userID string) []favoriteEntry {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries := make([]favoriteEntry, 0, len(f.byUser[userID]))
	for cardID, when := range f.byUser[userID] {
		entries = append(entries, favoriteEntry{cardID: cardID, when: when})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].when.Before(entries[j].when)
	})

	return entries
}

// serveCards handles GET /api/cards: the full deck, annotated with
// each card's favorite count and the caller's own favorite flag.
func serveCards(cfg *Config, deck *Deck, favorites *Favorites) httprouter.Handle {
	type cardResponse struct {
		Card
		FavoriteCount int  `json:"favoriteCount"`
		IsFavorite    bool `json:"isFavorite"`
	}

	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		userID := getOrSetPlayerID(w, r)

		out := make([]cardResponse, 0, len(deck.cards))
		for _, card := range deck.cards {
			out = append(out, cardResponse{
				Card:          card,
				FavoriteCount: favorites.count(card.ID),
				IsFavorite:    userID != "" && favorites.has(userID, card.ID),
			})
		}

		writeJSON(cfg, w, http.StatusOK, out)
	}
}

// serveFavoriteList handles GET /api/favorites: the caller's starred
// cards, oldest first.
func serveFavoriteList(cfg *Config, deck *Deck, favorites *Favorites) httprouter.Handle {
	type favoriteResponse struct {
		Card
		FavoriteDate time.Time `json:"favoriteDate"`
	}

	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		userID := getOrSetPlayerID(w, r)
		if userID == "" {
			writeJSONError(cfg, w, http.StatusUnauthorized, "authentication required")
			return
		}

		out := make([]favoriteResponse, 0)
		for _, entry := range favorites.list(userID) {
			idx, ok := deck.byID[entry.cardID]
			if !ok {
				continue
			}
			out = append(out, favoriteResponse{
				Card:         deck.cards[idx],
				FavoriteDate: entry.when,
			})
		}

		writeJSON(cfg, w, http.StatusOK, out)
	}
}

// serveFavoriteToggle handles POST /api/favorites: star or unstar a
// card for the caller.
func serveFavoriteToggle(cfg *Config, deck *Deck, favorites *Favorites) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		userID := getOrSetPlayerID(w, r)
		if userID == "" {
			writeJSONError(cfg, w, http.StatusUnauthorized, "authentication required")
			return
		}

		var body struct {
			CardID string `json:"cardId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.CardID == "" {
			writeJSONError(cfg, w, http.StatusBadRequest, "card ID is required")
			return
		}

		if !deck.contains(body.CardID) {
			writeJSONError(cfg, w, http.StatusNotFound, "card not found")
			return
		}

		status := "removed"
		if favorites.toggle(userID, body.CardID) {
			status = "added"
		}

		logf(cfg, "CARDS: Favorite %s for card %s by %s", status, body.CardID, userID)

		writeJSON(cfg, w, http.StatusOK, map[string]string{"status": status})
	}
}
