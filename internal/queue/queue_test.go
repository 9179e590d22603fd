package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryPublishConsume(t *testing.T) {
	q := NewInMemory(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Publish(ctx, Message{Kind: "a", Body: []byte("one")}))
	require.NoError(t, q.Publish(ctx, Message{Kind: "b", Body: []byte("two")}))

	msgs, err := q.Consume(ctx)
	require.NoError(t, err)

	first := <-msgs
	assert.Equal(t, "a", first.Kind)
	assert.Equal(t, "one", string(first.Body))
	second := <-msgs
	assert.Equal(t, "b", second.Kind)
}

func TestSerializeRoundTrip(t *testing.T) {
	msg := Message{Kind: KindAllocateRoom, Body: []byte(`{"request_id":"r1"}`)}
	got, err := deserialize(serialize(msg))
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestDeserializeBodyWithSeparator(t *testing.T) {
	got, err := deserialize("kind|body|with|pipes")
	require.NoError(t, err)
	assert.Equal(t, "kind", got.Kind)
	assert.Equal(t, "body|with|pipes", string(got.Body))
}

func TestAllocateRoomEventRoundTrip(t *testing.T) {
	msg, err := NewAllocateRoomMessage(AllocateRoomEvent{
		RequestID:     "req-1",
		ExamSubjectID: "sub-1",
	})
	require.NoError(t, err)
	assert.Equal(t, KindAllocateRoom, msg.Kind)

	evt, err := DecodeAllocateRoom(msg)
	require.NoError(t, err)
	assert.Equal(t, "req-1", evt.RequestID)
	assert.Equal(t, "sub-1", evt.ExamSubjectID)
	assert.Empty(t, evt.InterviewSlotID)
}

func TestAllocateRoomEventRequiresRequestID(t *testing.T) {
	_, err := NewAllocateRoomMessage(AllocateRoomEvent{ExamSubjectID: "sub-1"})
	assert.Error(t, err)
}

func TestDecodeAllocateRoomRejectsWrongKind(t *testing.T) {
	_, err := DecodeAllocateRoom(Message{Kind: "other", Body: []byte(`{"request_id":"r1"}`)})
	assert.Error(t, err)
}

func TestDecodeAllocateRoomRejectsMissingRequestID(t *testing.T) {
	_, err := DecodeAllocateRoom(Message{Kind: KindAllocateRoom, Body: []byte(`{}`)})
	assert.Error(t, err)
}
