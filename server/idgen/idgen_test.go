package idgen

import (
	"regexp"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	id := New()
	assert.Len(t, id, 20)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-v]+$`), id)
}

func TestUniqueness(t *testing.T) {
	count := 10000
	ids := make(map[string]struct{}, count)
	for i := 0; i < count; i++ {
		id := New()
		_, exists := ids[id]
		require.False(t, exists, "duplicate ID %s", id)
		ids[id] = struct{}{}
	}
}

func TestConcurrentGeneration(t *testing.T) {
	count := 1000
	ids := make([]string, count)
	var wg sync.WaitGroup
	wg.Add(count)
	for i := 0; i < count; i++ {
		go func(index int) {
			defer wg.Done()
			ids[index] = New()
		}(i)
	}
	wg.Wait()

	unique := make(map[string]struct{}, count)
	for _, id := range ids {
		unique[id] = struct{}{}
	}
	assert.Len(t, unique, count)
}

func TestFileNameSortsByTime(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	names := []string{
		FileName(base.Add(2 * time.Second)),
		FileName(base),
		FileName(base.Add(time.Second)),
	}
	sort.Strings(names)

	assert.Equal(t, FileName(base)[:20], names[0][:20])
	assert.Regexp(t, `^\d{20}\.[0-9a-v]{20}$`, names[2])
}

func BenchmarkIDGeneration(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = New()
	}
}
