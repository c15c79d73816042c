package types

import (
	"encoding/json"
	"fmt"
	"time"
)

type Stage string

const (
	StageTranscription Stage = "transcription"
	StageEmbedding     Stage = "embedding"
)

// WorkItem is a queued instruction for one pipeline stage. The set of
// implementations is closed: TranscriptionItem and EmbeddingItem.
type WorkItem interface {
	Stage() Stage
	Meta() Envelope
	isWorkItem()
}

type Envelope struct {
	CallID     string    `json:"call_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type TranscriptionItem struct {
	Envelope
	AudioRef string `json:"audio_ref,omitempty"`
	Language string `json:"language,omitempty"`
}

type EmbeddingItem struct {
	Envelope
	Strategy string `json:"strategy,omitempty"`
}

func (TranscriptionItem) Stage() Stage     { return StageTranscription }
func (i TranscriptionItem) Meta() Envelope { return i.Envelope }
func (TranscriptionItem) isWorkItem()      {}

func (EmbeddingItem) Stage() Stage     { return StageEmbedding }
func (i EmbeddingItem) Meta() Envelope { return i.Envelope }
func (EmbeddingItem) isWorkItem()      {}

func NewTranscriptionItem(callID string) TranscriptionItem {
	return TranscriptionItem{Envelope: Envelope{CallID: callID, EnqueuedAt: time.Now().UTC()}}
}

func NewEmbeddingItem(callID string) EmbeddingItem {
	return EmbeddingItem{Envelope: Envelope{CallID: callID, EnqueuedAt: time.Now().UTC()}}
}

type wireItem struct {
	Stage      Stage           `json:"stage"`
	CallID     string          `json:"call_id"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// MarshalWorkItem encodes an item as {stage, call_id, enqueued_at, payload}.
func MarshalWorkItem(item WorkItem) ([]byte, error) {
	env := item.Meta()
	w := wireItem{Stage: item.Stage(), CallID: env.CallID, EnqueuedAt: env.EnqueuedAt}
	var payload any
	switch it := item.(type) {
	case TranscriptionItem:
		payload = struct {
			AudioRef string `json:"audio_ref,omitempty"`
			Language string `json:"language,omitempty"`
		}{it.AudioRef, it.Language}
	case EmbeddingItem:
		payload = struct {
			Strategy string `json:"strategy,omitempty"`
		}{it.Strategy}
	default:
		return nil, fmt.Errorf("%w: unknown work item %T", ErrInvalidInput, item)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	w.Payload = raw
	return json.Marshal(w)
}

func UnmarshalWorkItem(data []byte) (WorkItem, error) {
	var w wireItem
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: decode work item: %v", ErrInvalidInput, err)
	}
	if w.CallID == "" {
		return nil, fmt.Errorf("%w: work item without call_id", ErrInvalidInput)
	}
	env := Envelope{CallID: w.CallID, EnqueuedAt: w.EnqueuedAt}
	switch w.Stage {
	case StageTranscription:
		it := TranscriptionItem{Envelope: env}
		if err := decodePayload(w.Payload, &it); err != nil {
			return nil, err
		}
		it.Envelope = env
		return it, nil
	case StageEmbedding:
		it := EmbeddingItem{Envelope: env}
		if err := decodePayload(w.Payload, &it); err != nil {
			return nil, err
		}
		it.Envelope = env
		return it, nil
	default:
		return nil, fmt.Errorf("%w: unknown stage %q", ErrInvalidInput, w.Stage)
	}
}

func decodePayload(raw json.RawMessage, into any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("%w: decode payload: %v", ErrInvalidInput, err)
	}
	return nil
}
