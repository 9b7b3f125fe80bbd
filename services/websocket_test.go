package services

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub
}

// join registers a connection-less session and subscribes it to boards.
func join(hub *Hub, userID string, boards ...string) *Client {
	c := NewClient(hub, nil, userID, nil)
	hub.Register(c)
	for _, b := range boards {
		hub.Subscribe(c, b)
	}
	return c
}

func receive(t *testing.T, c *Client) map[string]any {
	t.Helper()
	select {
	case data, ok := <-c.Send:
		require.True(t, ok, "session closed")
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func assertQuiet(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.Send:
		t.Fatalf("unexpected message %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func note(board, typ string) Event {
	return Event{BoardID: board, Payload: Message{Type: typ, BoardID: board}}
}

func TestHub_DeliversToBoardRoom(t *testing.T) {
	hub := runHub(t)
	ctx := context.Background()
	a := join(hub, "u1", "b1")
	b := join(hub, "u2", "b1", "b2")
	c := join(hub, "u3", "b2")

	hub.Publish(ctx, note("b1", EventCardCreated))

	assert.Equal(t, EventCardCreated, receive(t, a)["type"])
	assert.Equal(t, "b1", receive(t, b)["boardId"])
	assertQuiet(t, c)

	hub.Subscribe(a, "b1")
	assert.Equal(t, 2, hub.Subscribers("b1"))
	assert.Equal(t, 2, hub.Subscribers("b2"))
}

func TestHub_ExcludesOrigin(t *testing.T) {
	hub := runHub(t)
	ctx := context.Background()
	a := join(hub, "u1", "b1")
	b := join(hub, "u1", "b1")

	ev := note("b1", EventCardEdited)
	ev.Origin = a.ID
	hub.Publish(ctx, ev)
	hub.Publish(ctx, note("b1", EventCardDeleted))

	assert.Equal(t, EventCardEdited, receive(t, b)["type"])
	assert.Equal(t, EventCardDeleted, receive(t, b)["type"])
	assert.Equal(t, EventCardDeleted, receive(t, a)["type"])
}

func TestHub_PreservesPublishOrder(t *testing.T) {
	hub := runHub(t)
	ctx := context.Background()
	a := join(hub, "u1", "b1")

	for i := 0; i < 100; i++ {
		hub.Publish(ctx, Event{BoardID: "b1", Payload: CardMoved{Type: EventCardUpdated, BoardID: "b1", Position: i}})
	}
	for i := 0; i < 100; i++ {
		msg := receive(t, a)
		require.Equal(t, float64(i), msg["position"])
	}
}

func TestHub_UnsubscribeAndUnregister(t *testing.T) {
	hub := runHub(t)
	ctx := context.Background()
	a := join(hub, "u1", "b1", "b2")

	hub.Unsubscribe(a, "b1")
	assert.Equal(t, 0, hub.Subscribers("b1"))
	hub.Publish(ctx, note("b1", EventCardCreated))
	hub.Publish(ctx, note("b2", EventColumnCreated))
	assert.Equal(t, EventColumnCreated, receive(t, a)["type"])

	hub.Unregister(a)
	assert.Equal(t, 0, hub.Subscribers("b2"))
	_, ok := <-a.Send
	assert.False(t, ok)
	assert.False(t, a.Reply(Message{Type: "pong"}))
}

func TestHub_EvictsRemovedMember(t *testing.T) {
	hub := runHub(t)
	ctx := context.Background()
	owner := join(hub, "u1", "b1")
	removed := join(hub, "u2", "b1", "b2")

	ev := note("b1", EventMemberRemoved)
	ev.Evict = "u2"
	hub.Publish(ctx, ev)

	assert.Equal(t, EventMemberRemoved, receive(t, owner)["type"])
	assert.Equal(t, EventMemberRemoved, receive(t, removed)["type"])
	assert.Equal(t, 1, hub.Subscribers("b1"))
	assert.Equal(t, 1, hub.Subscribers("b2"))

	hub.Publish(ctx, note("b1", EventCardCreated))
	assert.Equal(t, EventCardCreated, receive(t, owner)["type"])
	assertQuiet(t, removed)
}

func TestHub_DropsSlowSession(t *testing.T) {
	hub := runHub(t)
	ctx := context.Background()
	slow := join(hub, "u1", "b1")

	for i := 0; i < sendBuffer+1; i++ {
		hub.Publish(ctx, note("b1", fmt.Sprintf("event-%d", i)))
	}

	require.Eventually(t, func() bool { return hub.Subscribers("b1") == 0 }, 2*time.Second, 10*time.Millisecond)
	n := 0
	for range slow.Send {
		n++
	}
	assert.Equal(t, sendBuffer, n)
}

func TestHub_StopClosesSessions(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	a := join(hub, "u1", "b1")

	cancel()
	<-done
	_, ok := <-a.Send
	assert.False(t, ok)

	// Calls after shutdown return instead of blocking.
	hub.Subscribe(a, "b2")
	hub.Publish(context.Background(), note("b1", EventCardCreated))
	assert.Equal(t, 0, hub.Subscribers("b1"))
}

func TestHub_DeliversServiceEvents(t *testing.T) {
	hub := runHub(t)
	f := newFixture(t)
	f.svc.events = hub
	ctx := context.Background()

	board, columns := f.board(t, alice, "Live")
	c1 := f.card(t, alice, columns[0].ID, "c1")
	mover := join(hub, alice.UserID, board.ID)
	watcher := join(hub, alice.UserID, board.ID)

	_, err := f.svc.MoveCard(WithOrigin(ctx, mover.ID), alice, c1.ID, columns[1].ID, 0)
	require.NoError(t, err)

	msg := receive(t, watcher)
	assert.Equal(t, map[string]any{
		"type":       EventCardUpdated,
		"boardId":    board.ID,
		"cardId":     c1.ID,
		"fromColumn": columns[0].ID,
		"toColumn":   columns[1].ID,
		"position":   float64(0),
	}, msg)
	assertQuiet(t, mover)
}
