package storage

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorePutGet(t *testing.T) {
	s := NewMemoryStore()
	owner := uuid.New()
	data := []byte("\x89PNG fake")

	ref, err := s.Put(context.Background(), owner, "image/png", data)
	require.NoError(t, err)
	assert.Regexp(t, `^mem://media/`+owner.String()+`/[0-9a-f-]{36}\.png$`, ref)

	data[0] = 0
	got, contentType, ok := s.Get(ref)
	require.True(t, ok)
	assert.Equal(t, "image/png", contentType)
	assert.Equal(t, []byte("\x89PNG fake"), got)

	_, _, ok = s.Get("mem://missing")
	assert.False(t, ok)
}

func TestMemoryStorePutHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemoryStore().Put(ctx, uuid.New(), "image/png", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
