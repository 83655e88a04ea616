package retry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_RetryBudget(t *testing.T) {
	l := NewLedger(2)

	assert.True(t, l.ShouldRetry("img-1"))
	assert.Equal(t, 1, l.RecordFailure("img-1"))
	assert.True(t, l.ShouldRetry("img-1"))
	assert.Equal(t, 2, l.RecordFailure("img-1"))
	assert.False(t, l.ShouldRetry("img-1"))
}

func TestLedger_ClearOnSuccess(t *testing.T) {
	l := NewLedger(3)
	l.RecordFailure("img-1")
	l.RecordFailure("img-1")

	l.Clear("img-1")

	assert.Equal(t, 0, l.Attempts("img-1"))
	assert.Equal(t, 0, l.Len())
	assert.True(t, l.ShouldRetry("img-1"))
}

func TestLedger_AbandonRemovesEntryButBlocksRetry(t *testing.T) {
	l := NewLedger(2)
	l.RecordFailure("img-1")
	l.RecordFailure("img-1")
	require.False(t, l.ShouldRetry("img-1"))

	l.Abandon("img-1")

	// The attempt entry is gone, but the id can never come back.
	assert.Equal(t, 0, l.Len())
	assert.True(t, l.Abandoned("img-1"))
	assert.False(t, l.ShouldRetry("img-1"))
}

func TestLedger_ConcurrentFailures(t *testing.T) {
	l := NewLedger(1000)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.RecordFailure("img-1")
			l.ShouldRetry("img-1")
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, l.Attempts("img-1"))
}

func TestLedger_MinimumBudget(t *testing.T) {
	l := NewLedger(0)

	assert.True(t, l.ShouldRetry("img-1"))
	l.RecordFailure("img-1")
	assert.False(t, l.ShouldRetry("img-1"))
}
