package delivery

import (
	"encoding/json"
	"time"

	"inspection-sync/internal/answers"
)

const messageVersion = 1

// Message is the body published to the submissions queue.
type Message struct {
	Version        int               `json:"version"`
	IdempotencyKey string            `json:"idempotencyKey"`
	TemplateID     string            `json:"templateId"`
	SubjectID      string            `json:"subjectId"`
	Mode           Mode              `json:"mode"`
	Answers        json.RawMessage   `json:"answers"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	EnqueuedAt     string            `json:"enqueuedAt"`
}

// NewMessage builds the queue message for a submission.
func NewMessage(s Submission) (Message, error) {
	m := s.Answers
	if m == nil {
		m = answers.Map{}
	}
	body, err := json.Marshal(m)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Version:        messageVersion,
		IdempotencyKey: s.IdempotencyKey,
		TemplateID:     s.TemplateID,
		SubjectID:      s.SubjectID,
		Mode:           s.Mode,
		Answers:        body,
		Metadata:       s.Metadata,
		EnqueuedAt:     s.EnqueuedAt.UTC().Format(time.RFC3339),
	}, nil
}

// EncodeMessage returns the JSON representation of a message.
func EncodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeMessage parses a JSON payload into a Message.
func DecodeMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}
