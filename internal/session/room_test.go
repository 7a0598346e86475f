package session

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/dkeye/duet/internal/core"
	"github.com/dkeye/duet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomBinding_JoinPublishesAndRecords(t *testing.T) {
	ch := newFakeChannel()
	b := NewRoomBinding(ch)

	require.NoError(t, b.Join("a", "b"))

	room, ok := b.Current()
	require.True(t, ok)
	assert.Equal(t, domain.NewRoom("b", "a"), room)

	sent := ch.sent(core.EventJoinRoom)
	require.Len(t, sent, 1)
	var p core.JoinRoom
	require.NoError(t, json.Unmarshal(sent[0], &p))
	assert.Equal(t, core.JoinRoom{SenderID: "a", ReceiverID: "b"}, p)
}

func TestRoomBinding_RebindDropsPreviousHandlers(t *testing.T) {
	ch := newFakeChannel()
	b := NewRoomBinding(ch)
	require.NoError(t, b.Join("a", "b"))

	staleCalls := 0
	_, err := b.Subscribe(core.EventReceiveMessage, func(json.RawMessage) { staleCalls++ })
	require.NoError(t, err)
	assert.Equal(t, 1, ch.handlerCount(core.EventReceiveMessage))

	require.NoError(t, b.Join("a", "c"))
	assert.Zero(t, ch.handlerCount(core.EventReceiveMessage))

	freshCalls := 0
	_, err = b.Subscribe(core.EventReceiveMessage, func(json.RawMessage) { freshCalls++ })
	require.NoError(t, err)

	ch.deliver(t, core.EventReceiveMessage, msg("1", "c", "a", "hey"))
	assert.Zero(t, staleCalls)
	assert.Equal(t, 1, freshCalls)
}

func TestRoomBinding_SubscribeNeedsRoom(t *testing.T) {
	b := NewRoomBinding(newFakeChannel())
	_, err := b.Subscribe(core.EventReceiveMessage, func(json.RawMessage) {})
	assert.ErrorIs(t, err, core.ErrNoCounterpart)

	require.NoError(t, b.Join("a", "b"))
	b.Leave()
	_, ok := b.Current()
	assert.False(t, ok)
	_, err = b.Subscribe(core.EventReceiveMessage, func(json.RawMessage) {})
	assert.ErrorIs(t, err, core.ErrNoCounterpart)
}

func TestRoomBinding_RejectsSelfAndEmpty(t *testing.T) {
	b := NewRoomBinding(newFakeChannel())
	assert.ErrorIs(t, b.Join("a", "a"), domain.ErrUserIDInvalid)
	assert.ErrorIs(t, b.Join("a", ""), domain.ErrUserIDInvalid)
}

func TestRoomBinding_RecordsRoomWhenOffline(t *testing.T) {
	ch := newFakeChannel()
	ch.publishErr = core.ErrNotConnected
	b := NewRoomBinding(ch)

	err := b.Join("a", "b")
	assert.True(t, errors.Is(err, core.ErrNotConnected))
	_, ok := b.Current()
	assert.True(t, ok)

	ch.publishErr = nil
	require.NoError(t, b.Rejoin())
	assert.Len(t, ch.sent(core.EventJoinRoom), 1)
}
