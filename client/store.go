// Package client implements the client half of the cardbox session
// protocol: a local, reactive mirror of one room's shared cursor and
// player roster.
//
// The store issues change requests to the broker and applies
// broker-pushed updates by straightforward replacement. Cursor writes
// are optimistic: the broker does not echo an event back to its
// sender, so the local mirror is updated immediately and corrected
// only by later broadcasts from other members.
package client

import (
	"context"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

type clientEvent struct {
	Type        string `json:"type"`
	RoomKey     string `json:"roomKey,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Index       *int   `json:"index,omitempty"`
}

type serverEvent struct {
	Type        string   `json:"type"`
	Cursor      int      `json:"cursor"`
	Members     []string `json:"members"`
	DisplayName string   `json:"displayName"`
	Index       int      `json:"index"`
}

// Store mirrors the broker's view of one room. A Store holds at most
// one active room membership: connecting again tears down any
// existing connection first.
type Store struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	roomKey   string
	connected bool
	cursor    int
	members   []string
	onChange  func()
}

func NewStore() *Store {
	return &Store{}
}

// SetOnChange registers a callback invoked after every applied broker
// update. Must be set before Connect.
func (s *Store) SetOnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.onChange = fn
}

// Connect dials the broker's socket endpoint, wires the update
// handlers, and issues the join event. serverURL is the ws:// or
// wss:// base of the server, without a path.
func (s *Store) Connect(ctx context.Context, serverURL, roomKey, displayName string) error {
	s.Disconnect()

	query := url.Values{}
	query.Set("roomKey", roomKey)
	query.Set("displayName", displayName)
	endpoint := serverURL + "/socket?" + query.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	s.mu.Lock()
	s.conn = conn
	s.roomKey = roomKey
	s.connected = true
	s.cursor = 0
	s.members = nil

	err = conn.WriteJSON(clientEvent{
		Type:        "join-game",
		RoomKey:     roomKey,
		DisplayName: displayName,
	})
	s.mu.Unlock()

	if err != nil {
		s.Disconnect()
		return err
	}

	go s.readLoop(conn)

	return nil
}

// Disconnect closes the transport; idempotent if already closed.
func (s *Store) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return
	}

	_ = s.conn.Close()
	s.conn = nil
	s.connected = false
}

// RequestCursorChange proposes a new shared cursor and applies it
// locally without waiting for acknowledgment.
func (s *Store) RequestCursorChange(index int) {
	s.mu.Lock()

	if !s.connected || s.conn == nil {
		s.mu.Unlock()
		return
	}

	_ = s.conn.WriteJSON(clientEvent{
		Type:    "change-cursor",
		RoomKey: s.roomKey,
		Index:   &index,
	})
	s.cursor = index

	fn := s.onChange
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
}

func (s *Store) readLoop(conn *websocket.Conn) {
	for {
		var ev serverEvent
		if err := conn.ReadJSON(&ev); err != nil {
			s.mu.Lock()
			if s.conn == conn {
				s.connected = false
			}
			fn := s.onChange
			s.mu.Unlock()

			if fn != nil {
				fn()
			}
			return
		}

		s.mu.Lock()

		// A stale loop from a replaced connection must not touch the
		// mirrors.
		if s.conn != conn {
			s.mu.Unlock()
			return
		}

		switch ev.Type {
		case "welcome":
			s.cursor = ev.Cursor
			s.members = append([]string(nil), ev.Members...)
		case "member-joined":
			s.members = append(s.members, ev.DisplayName)
		case "member-left":
			kept := s.members[:0]
			for _, name := range s.members {
				if name != ev.DisplayName {
					kept = append(kept, name)
				}
			}
			s.members = kept
		case "cursor-changed":
			s.cursor = ev.Index
		}

		fn := s.onChange
		s.mu.Unlock()

		if fn != nil {
			fn()
		}
	}
}

// RoomKey returns the room this store last connected to.
func (s *Store) RoomKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.roomKey
}

// Connected reports transport liveness.
func (s *Store) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.connected
}

// Cursor returns the locally mirrored cursor position.
func (s *Store) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cursor
}

// Members returns a copy of the locally mirrored player list.
func (s *Store) Members() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.members...)
}
