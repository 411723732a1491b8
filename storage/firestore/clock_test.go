package firestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorage_NowIsLocalUTC(t *testing.T) {
	// A nil client proves no document round-trip happens
	storage := &Storage{}

	now, err := storage.Now(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.UTC, now.Location())
	assert.WithinDuration(t, time.Now(), now, time.Second)
}
