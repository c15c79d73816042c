// Package blobstore holds call audio and raw transcripts.
package blobstore

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"call-insights-go/internal/types"
)

type Store interface {
	// Get returns ErrNotFound when ref does not exist.
	Get(ctx context.Context, ref string) ([]byte, error)
	Put(ctx context.Context, ref string, data []byte, contentType string) error
	Delete(ctx context.Context, ref string) error
}

// AudioRef is the object key for an uploaded call recording.
func AudioRef(callID, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if ext == "" {
		ext = ".wav"
	}
	return fmt.Sprintf("audio/%s%s", callID, ext)
}

// TranscriptRef is the object key for a call's raw transcript JSON.
func TranscriptRef(callID string) string {
	return fmt.Sprintf("transcripts/%s.json", callID)
}

func validRef(ref string) error {
	if ref == "" || strings.HasPrefix(ref, "/") || strings.Contains(ref, "..") {
		return fmt.Errorf("%w: bad blob ref %q", types.ErrInvalidInput, ref)
	}
	return nil
}

type Memory struct {
	mu   sync.RWMutex
	objs map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{objs: map[string][]byte{}}
}

func (m *Memory) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := validRef(ref); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objs[ref]
	if !ok {
		return nil, fmt.Errorf("%w: blob %s", types.ErrNotFound, ref)
	}
	return append([]byte(nil), b...), nil
}

func (m *Memory) Put(ctx context.Context, ref string, data []byte, contentType string) error {
	if err := validRef(ref); err != nil {
		return err
	}
	m.mu.Lock()
	m.objs[ref] = append([]byte(nil), data...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(ctx context.Context, ref string) error {
	m.mu.Lock()
	delete(m.objs, ref)
	m.mu.Unlock()
	return nil
}
