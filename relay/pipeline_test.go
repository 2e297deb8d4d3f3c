package relay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineAdmitUpToDepth(t *testing.T) {
	p := NewPipeline(5, 20*time.Millisecond, 30*time.Second, 256)

	for i := uint32(1); i <= 5; i++ {
		assert.True(t, p.Admit(i, 1.0), "frame %d should be admitted", i)
	}
	assert.Equal(t, 5, p.InFlight())

	start := time.Now()
	assert.False(t, p.Admit(6, 1.0), "frame beyond depth should be dropped")
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, 5, p.InFlight())
}

func TestPipelineResolveFreesSlot(t *testing.T) {
	p := NewPipeline(1, 10*time.Millisecond, 30*time.Second, 256)

	require.True(t, p.Admit(1, 1.0))
	require.False(t, p.Admit(2, 1.0))

	assert.True(t, p.Resolve(1))
	assert.Equal(t, 0, p.InFlight())
	assert.True(t, p.Admit(2, 1.0))
}

func TestPipelineResolveUnknownFrame(t *testing.T) {
	p := NewPipeline(1, 10*time.Millisecond, 30*time.Second, 256)

	assert.False(t, p.Resolve(999), "late result for an evicted frame")
	assert.True(t, p.Admit(1, 1.0), "slot accounting must survive late results")
}

func TestPipelineRemoveFreesSlot(t *testing.T) {
	p := NewPipeline(1, 10*time.Millisecond, 30*time.Second, 256)

	require.True(t, p.Admit(1, 1.0))
	p.Remove(1)
	assert.Equal(t, 0, p.InFlight())
	assert.True(t, p.Admit(2, 1.0))

	p.Remove(777) // unknown frame is a no-op
	assert.Equal(t, 1, p.InFlight())
}

func TestPipelineReadmitSameFrame(t *testing.T) {
	p := NewPipeline(1, 10*time.Millisecond, 30*time.Second, 256)

	require.True(t, p.Admit(1, 1.0))
	assert.True(t, p.Admit(1, 2.0), "re-sent frame refreshes its entry")
	assert.Equal(t, 1, p.InFlight())
}

func TestPipelineAgeEviction(t *testing.T) {
	p := NewPipeline(2, 10*time.Millisecond, 30*time.Second, 256)

	require.True(t, p.Admit(1, 1.0))
	require.True(t, p.Admit(2, 1.0))
	p.StoreResult(3, json.RawMessage(`[]`), 1.0)

	// Nothing has aged out yet.
	p.evictExpired(time.Now())
	assert.Equal(t, 2, p.InFlight())
	assert.Equal(t, 1, p.CachedResults())

	// Pretend the TTL has long passed.
	p.evictExpired(time.Now().Add(time.Minute))
	assert.Equal(t, 0, p.InFlight())
	assert.Equal(t, 0, p.CachedResults())

	// Slots released by eviction are usable again.
	assert.True(t, p.Admit(4, 1.0))
	assert.True(t, p.Admit(5, 1.0))
}

func TestPipelineResultCacheBounded(t *testing.T) {
	p := NewPipeline(5, 10*time.Millisecond, 30*time.Second, 4)

	for i := uint32(1); i <= 10; i++ {
		p.StoreResult(i, json.RawMessage(`[]`), float64(i))
	}
	assert.LessOrEqual(t, p.CachedResults(), 4)

	_, ok := p.Result(10)
	assert.True(t, ok, "most recent result survives")
	_, ok = p.Result(1)
	assert.False(t, ok, "oldest result evicted")
}
