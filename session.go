// Realtime game-session sync for cardbox.
//
// Every player viewing the same game shares one cursor into the card
// deck and a live roster of who is connected. Connections carry their
// room key and display name as handshake metadata, join explicitly
// via a "join-game" event, and from then on any member may propose a
// new cursor. The broker is the sole arbiter of order: one goroutine
// consumes all events, so cursor writes resolve last-write-wins in
// arrival order.
//
// Wire events:
//   client -> broker: join-game { roomKey, displayName }
//   client -> broker: change-cursor { roomKey, index }
//   broker -> joiner: welcome { cursor, members }
//   broker -> others: member-joined { displayName }
//   broker -> others: member-left { displayName }
//   broker -> others: cursor-changed { index }
//
// The sender of a change-cursor never receives its own echo; clients
// apply their own writes optimistically.

package main

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Messages coming from clients. Fields are deliberately loose: a
// wrong-typed roomKey or index drops the single event instead of
// failing the whole connection.
type clientEvent struct {
	Type        string `json:"type"`        // "join-game", "change-cursor"
	RoomKey     any    `json:"roomKey"`     // join-game / change-cursor
	DisplayName any    `json:"displayName"` // join-game
	Index       any    `json:"index"`       // change-cursor
}

// WelcomeMessage is the initial state snapshot sent to a connection
// alone, immediately after it joins a room.
type WelcomeMessage struct {
	Type    string   `json:"type"` // "welcome"
	Cursor  int      `json:"cursor"`
	Members []string `json:"members"`
}

// MemberJoinedMessage informs existing members about a new arrival.
type MemberJoinedMessage struct {
	Type        string `json:"type"` // "member-joined"
	DisplayName string `json:"displayName"`
}

// MemberLeftMessage informs remaining members about a departure.
type MemberLeftMessage struct {
	Type        string `json:"type"` // "member-left"
	DisplayName string `json:"displayName"`
}

// CursorChangedMessage carries the new shared cursor to everyone but
// the member who proposed it.
type CursorChangedMessage struct {
	Type  string `json:"type"` // "cursor-changed"
	Index int    `json:"index"`
}

type Client struct {
	conn *websocket.Conn
	send chan any

	// handshake metadata
	roomKey     string
	displayName string

	// joined room and the name registered there; owned by the broker
	// goroutine, empty until a join-game lands
	joined string
	name   string
}

type joinRequest struct {
	client  *Client
	roomKey string
	name    string
}

type cursorRequest struct {
	client  *Client
	roomKey string
	index   int
}

// Broker relays join/leave/cursor events between the connections of a
// room. All state transitions happen on the run loop goroutine, which
// gives a total order of mutations matching arrival order. The
// Registry holds the authoritative roster and cursor; the broker's
// flat connection set only routes messages, with broadcast audience
// derived by filtering on each connection's joined room.
type Broker struct {
	registry *Registry
	logf     func(format string, args ...any)

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	joins      chan joinRequest
	cursors    chan cursorRequest
	done       chan struct{}
}

func NewBroker(registry *Registry, logf func(format string, args ...any)) *Broker {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Broker{
		registry:   registry,
		logf:       logf,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		joins:      make(chan joinRequest),
		cursors:    make(chan cursorRequest),
		done:       make(chan struct{}),
	}
}

func (b *Broker) run(ctx context.Context) {
	defer close(b.done)

	for {
		select {
		case <-ctx.Done():
			for c := range b.clients {
				delete(b.clients, c)
				close(c.send)
				_ = c.conn.Close()
			}
			return

		case c := <-b.register:
			b.clients[c] = true
			b.logf("SOCKET: %q connected for room %s", c.displayName, c.roomKey)

		case c := <-b.unregister:
			if _, ok := b.clients[c]; ok {
				delete(b.clients, c)
				close(c.send)
			}
			b.leave(c)

		case jr := <-b.joins:
			b.handleJoin(jr)

		case cr := <-b.cursors:
			b.handleCursor(cr)
		}
	}
}

// handleJoin registers the member and replies with the welcome
// snapshot, so the joiner renders correct initial state without ever
// seeing its own join broadcast.
func (b *Broker) handleJoin(jr joinRequest) {
	c := jr.client

	// A connection holds at most one room membership; joining a
	// different room detaches it from the old one first.
	if c.joined != "" && (c.joined != jr.roomKey || c.name != jr.name) {
		b.leave(c)
	}

	cursor, members := b.registry.AddMember(jr.roomKey, jr.name)
	c.joined = jr.roomKey
	c.name = jr.name

	b.broadcast(jr.roomKey, c, MemberJoinedMessage{
		Type:        "member-joined",
		DisplayName: jr.name,
	})

	b.deliver(c, WelcomeMessage{
		Type:    "welcome",
		Cursor:  cursor,
		Members: members,
	})

	b.logf("GAMES: %q joined room %s", jr.name, jr.roomKey)
}

func (b *Broker) handleCursor(cr cursorRequest) {
	b.registry.SetCursor(cr.roomKey, cr.index)

	b.broadcast(cr.roomKey, cr.client, CursorChangedMessage{
		Type:  "cursor-changed",
		Index: cr.index,
	})

	b.logf("GAMES: cursor set to %d in room %s", cr.index, cr.roomKey)
}

// leave removes the connection's membership and notifies the room.
// Idempotent; safe to call for never-joined connections.
func (b *Broker) leave(c *Client) {
	if c.joined == "" {
		return
	}

	roomKey, name := c.joined, c.name
	c.joined = ""
	c.name = ""

	b.registry.RemoveMember(roomKey, name)
	b.broadcast(roomKey, c, MemberLeftMessage{
		Type:        "member-left",
		DisplayName: name,
	})

	b.logf("GAMES: %q left room %s", name, roomKey)
}

// broadcast fans msg out to every connection joined to roomKey except
// the sender. Clients whose send buffer is full are evicted from the
// connection set; their pumps notice the closed channel and funnel
// the departure back through unregister.
func (b *Broker) broadcast(roomKey string, exclude *Client, msg any) {
	for client := range b.clients {
		if client.joined != roomKey || client == exclude {
			continue
		}

		select {
		case client.send <- msg:
		default:
			delete(b.clients, client)
			close(client.send)
		}
	}
}

// deliver sends msg to a single connection, with the same slow-client
// eviction as broadcast.
func (b *Broker) deliver(c *Client, msg any) {
	if !b.clients[c] {
		return
	}

	select {
	case c.send <- msg:
	default:
		delete(b.clients, c)
		close(c.send)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveSocket upgrades a client connection tagged with roomKey and
// displayName. Connections missing either are terminated before they
// are registered anywhere.
func serveSocket(b *Broker) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		roomKey := r.URL.Query().Get("roomKey")
		displayName := r.URL.Query().Get("displayName")
		if roomKey == "" || displayName == "" {
			b.logf("DROP: connection from %s missing roomKey or displayName", realIP(r))
			http.Error(w, "missing roomKey or displayName", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.logf("DROP: upgrade failed for %s: %v", realIP(r), err)
			return
		}

		client := &Client{
			conn:        conn,
			send:        make(chan any, 8),
			roomKey:     roomKey,
			displayName: displayName,
		}

		select {
		case b.register <- client:
		case <-b.done:
			_ = conn.Close()
			return
		}

		go client.writePump()
		client.readPump(b)
	}
}

func (c *Client) readPump(b *Broker) {
	defer func() {
		select {
		case b.unregister <- c:
		case <-b.done:
		}
		_ = c.conn.Close()
	}()

	for {
		var ev clientEvent
		if err := c.conn.ReadJSON(&ev); err != nil {
			return
		}

		switch ev.Type {
		case "join-game":
			roomKey, rok := ev.RoomKey.(string)
			name, nok := ev.DisplayName.(string)
			if !rok || !nok || roomKey == "" || name == "" {
				b.logf("DROP: malformed join-game from %q: roomKey=%v displayName=%v", c.displayName, ev.RoomKey, ev.DisplayName)
				continue
			}
			select {
			case b.joins <- joinRequest{client: c, roomKey: roomKey, name: name}:
			case <-b.done:
				return
			}
		case "change-cursor":
			roomKey, rok := ev.RoomKey.(string)
			index, iok := ev.Index.(float64)
			if !rok || !iok || roomKey == "" {
				b.logf("DROP: malformed change-cursor from %q: roomKey=%v index=%v", c.displayName, ev.RoomKey, ev.Index)
				continue
			}
			select {
			case b.cursors <- cursorRequest{client: c, roomKey: roomKey, index: int(index)}:
			case <-b.done:
				return
			}
		default:
			b.logf("DROP: unknown event type %q from %q", ev.Type, c.displayName)
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
