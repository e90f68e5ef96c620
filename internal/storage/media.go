package storage

import (
	"context"
	"fmt"
	"mime"
	"sync"

	"github.com/google/uuid"
)

// MediaStore persists raw media bytes and returns a stable reference.
type MediaStore interface {
	Put(ctx context.Context, owner uuid.UUID, contentType string, data []byte) (string, error)
}

// objectKey is media/{owner}/{random}{ext}.
func objectKey(owner uuid.UUID, contentType string) string {
	ext := ""
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		ext = exts[0]
	}
	return fmt.Sprintf("media/%s/%s%s", owner.String(), uuid.NewString(), ext)
}

type memoryObject struct {
	ContentType string
	Data        []byte
}

// MemoryStore keeps media in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func (s *MemoryStore) Put(ctx context.Context, owner uuid.UUID, contentType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := "mem://" + objectKey(owner, contentType)
	s.mu.Lock()
	s.objects[ref] = memoryObject{ContentType: contentType, Data: append([]byte(nil), data...)}
	s.mu.Unlock()
	return ref, nil
}

func (s *MemoryStore) Get(ref string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[ref]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), obj.Data...), obj.ContentType, true
}

var (
	_ MediaStore = (*MemoryStore)(nil)
	_ MediaStore = (*S3Store)(nil)
)
