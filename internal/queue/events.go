package queue

import (
	"encoding/json"
	"fmt"
)

// Event kinds understood by the worker. This is the single registry:
// producers and the consumer share these constants and payload types, so the
// wire contract cannot drift silently.
const (
	KindAllocateRoom = "room.allocate"
)

// AllocateRoomEvent asks the room allocator to process a pending request.
// The optional correlation ids let the worker write the resulting allocation
// back to the exam subject or interview slot that produced the request.
type AllocateRoomEvent struct {
	RequestID       string `json:"request_id"`
	ExamSubjectID   string `json:"exam_subject_id,omitempty"`
	InterviewSlotID string `json:"interview_slot_id,omitempty"`
}

// NewAllocateRoomMessage encodes an allocation trigger for publishing.
func NewAllocateRoomMessage(evt AllocateRoomEvent) (Message, error) {
	if evt.RequestID == "" {
		return Message{}, fmt.Errorf("allocate event requires request id")
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return Message{}, fmt.Errorf("encode allocate event: %w", err)
	}
	return Message{Kind: KindAllocateRoom, Body: body}, nil
}

// DecodeAllocateRoom decodes an allocation trigger received from the queue.
func DecodeAllocateRoom(msg Message) (AllocateRoomEvent, error) {
	if msg.Kind != KindAllocateRoom {
		return AllocateRoomEvent{}, fmt.Errorf("unexpected event kind %q", msg.Kind)
	}
	var evt AllocateRoomEvent
	if err := json.Unmarshal(msg.Body, &evt); err != nil {
		return AllocateRoomEvent{}, fmt.Errorf("decode allocate event: %w", err)
	}
	if evt.RequestID == "" {
		return AllocateRoomEvent{}, fmt.Errorf("allocate event missing request id")
	}
	return evt, nil
}
