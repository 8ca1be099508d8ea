package main

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/cardbox/client"
)

type logCapture struct {
	mu    sync.Mutex
	lines []string
}

func (lc *logCapture) logf(format string, args ...any) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	lc.lines = append(lc.lines, fmt.Sprintf(format, args...))
}

func (lc *logCapture) contains(substr string) bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	for _, line := range lc.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func newSessionServer(t *testing.T) (*httptest.Server, *Registry, *logCapture) {
	t.Helper()

	registry := NewRegistry()
	capture := &logCapture{}
	broker := NewBroker(registry, capture.logf)

	ctx, cancel := context.WithCancel(context.Background())
	go broker.run(ctx)

	mux := httprouter.New()
	mux.GET("/socket", serveSocket(broker))

	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	return srv, registry, capture
}

func wsBase(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// dialSocket opens a raw protocol connection and pumps incoming
// messages into a channel.
func dialSocket(t *testing.T, srv *httptest.Server, roomKey, displayName string) (*websocket.Conn, <-chan map[string]any) {
	t.Helper()

	url := wsBase(srv) + "/socket?roomKey=" + roomKey + "&displayName=" + displayName
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	msgs := make(chan map[string]any, 32)
	go func() {
		defer close(msgs)
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			msgs <- msg
		}
	}()

	return conn, msgs
}

func sendEvent(t *testing.T, conn *websocket.Conn, event map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(event))
}

func joinGame(t *testing.T, conn *websocket.Conn, roomKey, displayName string) {
	t.Helper()
	sendEvent(t, conn, map[string]any{
		"type":        "join-game",
		"roomKey":     roomKey,
		"displayName": displayName,
	})
}

func waitFor(t *testing.T, msgs <-chan map[string]any, eventType string) map[string]any {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				t.Fatalf("connection closed while waiting for %q", eventType)
			}
			if msg["type"] == eventType {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", eventType)
		}
	}
}

func expectSilence(t *testing.T, msgs <-chan map[string]any, eventType string) {
	t.Helper()

	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if msg["type"] == eventType {
				t.Fatalf("unexpected %q message: %v", eventType, msg)
			}
		case <-deadline:
			return
		}
	}
}

func memberNames(msg map[string]any) []string {
	raw, _ := msg["members"].([]any)
	names := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			names = append(names, s)
		}
	}
	return names
}

func TestWelcomeSnapshots(t *testing.T) {
	srv, _, _ := newSessionServer(t)

	connA, msgsA := dialSocket(t, srv, "R1", "Alice")
	joinGame(t, connA, "R1", "Alice")

	welcome := waitFor(t, msgsA, "welcome")
	assert.Equal(t, float64(0), welcome["cursor"])
	assert.Equal(t, []string{"Alice"}, memberNames(welcome))

	connB, msgsB := dialSocket(t, srv, "R1", "Bob")
	joinGame(t, connB, "R1", "Bob")

	welcome = waitFor(t, msgsB, "welcome")
	assert.Equal(t, float64(0), welcome["cursor"])
	assert.Equal(t, []string{"Alice", "Bob"}, memberNames(welcome))

	joined := waitFor(t, msgsA, "member-joined")
	assert.Equal(t, "Bob", joined["displayName"])

	// The joiner itself never sees its own join broadcast.
	expectSilence(t, msgsB, "member-joined")
}

func TestCursorPropagationWithoutEcho(t *testing.T) {
	srv, registry, _ := newSessionServer(t)

	connA, msgsA := dialSocket(t, srv, "R1", "Alice")
	joinGame(t, connA, "R1", "Alice")
	waitFor(t, msgsA, "welcome")

	connB, msgsB := dialSocket(t, srv, "R1", "Bob")
	joinGame(t, connB, "R1", "Bob")
	waitFor(t, msgsB, "welcome")
	waitFor(t, msgsA, "member-joined")

	sendEvent(t, connA, map[string]any{
		"type":    "change-cursor",
		"roomKey": "R1",
		"index":   4,
	})

	changed := waitFor(t, msgsB, "cursor-changed")
	assert.Equal(t, float64(4), changed["index"])

	// The sender applies its change optimistically and gets no echo.
	expectSilence(t, msgsA, "cursor-changed")

	assert.Equal(t, 4, registry.Cursor("R1"))
}

func TestCursorLastWriteWins(t *testing.T) {
	srv, registry, _ := newSessionServer(t)

	connA, msgsA := dialSocket(t, srv, "R1", "Alice")
	joinGame(t, connA, "R1", "Alice")
	waitFor(t, msgsA, "welcome")

	connB, msgsB := dialSocket(t, srv, "R1", "Bob")
	joinGame(t, connB, "R1", "Bob")
	waitFor(t, msgsB, "welcome")

	for _, index := range []int{3, 7, 2} {
		sendEvent(t, connA, map[string]any{
			"type":    "change-cursor",
			"roomKey": "R1",
			"index":   index,
		})
	}

	var last float64
	for i := 0; i < 3; i++ {
		changed := waitFor(t, msgsB, "cursor-changed")
		last = changed["index"].(float64)
	}

	assert.Equal(t, float64(2), last)
	assert.Equal(t, 2, registry.Cursor("R1"))
}

func TestRoomIsolation(t *testing.T) {
	srv, registry, _ := newSessionServer(t)

	connA, msgsA := dialSocket(t, srv, "ABC123", "Alice")
	joinGame(t, connA, "ABC123", "Alice")
	waitFor(t, msgsA, "welcome")

	connB, msgsB := dialSocket(t, srv, "XYZ789", "Bob")
	joinGame(t, connB, "XYZ789", "Bob")
	waitFor(t, msgsB, "welcome")

	sendEvent(t, connA, map[string]any{
		"type":    "change-cursor",
		"roomKey": "ABC123",
		"index":   9,
	})

	expectSilence(t, msgsB, "cursor-changed")
	expectSilence(t, msgsB, "member-joined")

	assert.Equal(t, 9, registry.Cursor("ABC123"))
	assert.Equal(t, 0, registry.Cursor("XYZ789"))
}

func TestDepartureCleansUp(t *testing.T) {
	srv, registry, _ := newSessionServer(t)

	connA, msgsA := dialSocket(t, srv, "R1", "Alice")
	joinGame(t, connA, "R1", "Alice")
	waitFor(t, msgsA, "welcome")

	connB, msgsB := dialSocket(t, srv, "R1", "Bob")
	joinGame(t, connB, "R1", "Bob")
	waitFor(t, msgsB, "welcome")
	waitFor(t, msgsA, "member-joined")

	require.NoError(t, connB.Close())

	left := waitFor(t, msgsA, "member-left")
	assert.Equal(t, "Bob", left["displayName"])

	require.Eventually(t, func() bool {
		members := registry.Members("R1")
		return len(members) == 1 && members[0] == "Alice"
	}, 2*time.Second, 10*time.Millisecond)

	// One member remains, so the room survives.
	assert.Equal(t, 1, registry.RoomCount())
}

func TestLastMemberLeavingDeletesRoom(t *testing.T) {
	srv, registry, _ := newSessionServer(t)

	connA, msgsA := dialSocket(t, srv, "R1", "Alice")
	joinGame(t, connA, "R1", "Alice")
	waitFor(t, msgsA, "welcome")

	sendEvent(t, connA, map[string]any{
		"type":    "change-cursor",
		"roomKey": "R1",
		"index":   5,
	})
	require.Eventually(t, func() bool {
		return registry.Cursor("R1") == 5
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, connA.Close())
	require.Eventually(t, func() bool {
		return registry.RoomCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	// A fresh join observes a fresh room, not Alice's cursor.
	connC, msgsC := dialSocket(t, srv, "R1", "Carol")
	joinGame(t, connC, "R1", "Carol")

	welcome := waitFor(t, msgsC, "welcome")
	assert.Equal(t, float64(0), welcome["cursor"])
	assert.Equal(t, []string{"Carol"}, memberNames(welcome))
}

func TestRejoinSeesSurvivingCursor(t *testing.T) {
	srv, registry, _ := newSessionServer(t)

	connA, msgsA := dialSocket(t, srv, "R1", "Alice")
	joinGame(t, connA, "R1", "Alice")
	waitFor(t, msgsA, "welcome")

	connB, msgsB := dialSocket(t, srv, "R1", "Bob")
	joinGame(t, connB, "R1", "Bob")
	waitFor(t, msgsB, "welcome")

	sendEvent(t, connA, map[string]any{
		"type":    "change-cursor",
		"roomKey": "R1",
		"index":   4,
	})
	waitFor(t, msgsB, "cursor-changed")

	// Bob drops and rejoins while Alice keeps the room alive: the
	// cursor survives.
	require.NoError(t, connB.Close())
	waitFor(t, msgsA, "member-left")

	connB2, msgsB2 := dialSocket(t, srv, "R1", "Bob")
	joinGame(t, connB2, "R1", "Bob")

	welcome := waitFor(t, msgsB2, "welcome")
	assert.Equal(t, float64(4), welcome["cursor"])
	assert.Equal(t, []string{"Alice", "Bob"}, memberNames(welcome))

	assert.Equal(t, 4, registry.Cursor("R1"))
}

func TestDuplicateJoinIsIdempotent(t *testing.T) {
	srv, registry, _ := newSessionServer(t)

	connA, msgsA := dialSocket(t, srv, "R1", "Alice")
	joinGame(t, connA, "R1", "Alice")
	waitFor(t, msgsA, "welcome")

	joinGame(t, connA, "R1", "Alice")
	welcome := waitFor(t, msgsA, "welcome")
	assert.Equal(t, []string{"Alice"}, memberNames(welcome))

	assert.Equal(t, []string{"Alice"}, registry.Members("R1"))
}

func TestMalformedEventsAreDroppedObservably(t *testing.T) {
	srv, registry, capture := newSessionServer(t)

	connA, msgsA := dialSocket(t, srv, "R1", "Alice")

	// Wrong-typed displayName: the join never happens.
	sendEvent(t, connA, map[string]any{
		"type":        "join-game",
		"roomKey":     "R1",
		"displayName": 42,
	})

	require.Eventually(t, func() bool {
		return capture.contains("DROP: malformed join-game")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, registry.RoomCount())

	joinGame(t, connA, "R1", "Alice")
	waitFor(t, msgsA, "welcome")

	// Wrong-typed index: the cursor never moves.
	sendEvent(t, connA, map[string]any{
		"type":    "change-cursor",
		"roomKey": "R1",
		"index":   "four",
	})

	require.Eventually(t, func() bool {
		return capture.contains("DROP: malformed change-cursor")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, registry.Cursor("R1"))

	// Unknown event types are ignored, not fatal.
	sendEvent(t, connA, map[string]any{"type": "shuffle-deck"})

	require.Eventually(t, func() bool {
		return capture.contains(`DROP: unknown event type "shuffle-deck"`)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"Alice"}, registry.Members("R1"))
}

func TestConnectionMetadataRequired(t *testing.T) {
	srv, registry, capture := newSessionServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsBase(srv)+"/socket?roomKey=R1", nil)
	require.Error(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	assert.Equal(t, 0, registry.RoomCount())
	assert.True(t, capture.contains("DROP: connection"))
}

func TestClientStoreAgainstBroker(t *testing.T) {
	srv, registry, _ := newSessionServer(t)

	ctx := context.Background()

	alice := client.NewStore()
	require.NoError(t, alice.Connect(ctx, wsBase(srv), "R1", "Alice"))
	t.Cleanup(alice.Disconnect)

	require.Eventually(t, func() bool {
		return len(alice.Members()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	bob := client.NewStore()
	require.NoError(t, bob.Connect(ctx, wsBase(srv), "R1", "Bob"))
	t.Cleanup(bob.Disconnect)

	require.Eventually(t, func() bool {
		return len(bob.Members()) == 2 && len(alice.Members()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.ElementsMatch(t, []string{"Alice", "Bob"}, bob.Members())
	assert.ElementsMatch(t, []string{"Alice", "Bob"}, alice.Members())

	// Optimistic local update on the sender, broadcast to the rest.
	alice.RequestCursorChange(4)
	assert.Equal(t, 4, alice.Cursor())

	require.Eventually(t, func() bool {
		return bob.Cursor() == 4
	}, 2*time.Second, 10*time.Millisecond)

	bob.Disconnect()

	require.Eventually(t, func() bool {
		members := alice.Members()
		return len(members) == 1 && members[0] == "Alice"
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(registry.Members("R1")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
