package main

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"net/http"
)

const playerCookieName = "cardbox_id"

// getOrSetPlayerID identifies a browser by cookie, assigning a random
// id on first contact. This is the identity boundary for favorites
// and lobby ownership; the socket layer never consults it.
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
