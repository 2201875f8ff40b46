package projection

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/schulmacher/krupton-sub002/internal/record"
)

func TestPrecedenceLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	l := newPrecedenceLRU(2)
	l.Put("a", record.SourceREST)
	l.Put("b", record.SourceREST)

	_, ok := l.Get("a") // promotes a
	assert.True(t, ok)

	l.Put("c", record.SourceWS)
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, int64(1), l.Evictions())

	_, ok = l.Get("b")
	assert.False(t, ok, "b was least recently used")
	src, ok := l.Get("a")
	assert.True(t, ok)
	assert.Equal(t, record.SourceREST, src)
}

func TestPrecedenceLRU_PutOverwritesSource(t *testing.T) {
	l := newPrecedenceLRU(4)
	l.Put("a", record.SourceREST)
	l.Put("a", record.SourceWS)

	src, ok := l.Get("a")
	assert.True(t, ok)
	assert.Equal(t, record.SourceWS, src)
	assert.Equal(t, 1, l.Len())
	assert.Zero(t, l.Evictions())
}
