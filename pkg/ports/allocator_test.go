package ports

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAllocator(t *testing.T, start, end int) *Allocator {
	t.Helper()
	a, err := NewAllocator("127.0.0.1", start, end)
	require.NoError(t, err)
	// Тесты не должны зависеть от занятости портов в системе
	a.probe = nil
	return a
}

func TestNewAllocator_InvalidRange(t *testing.T) {
	tests := []struct {
		name       string
		start, end int
	}{
		{"start больше end", 20500, 20400},
		{"равные границы", 20400, 20400},
		{"нулевой старт", 0, 100},
		{"за пределами 65535", 65000, 70000},
		{"нет места для пары", 20401, 20402},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAllocator("", tt.start, tt.end)
			assert.Error(t, err)
		})
	}
}

func TestAllocator_LeaseEvenPairs(t *testing.T) {
	a := newTestAllocator(t, 20401, 20410)

	l, err := a.Lease()
	require.NoError(t, err)
	assert.Equal(t, 20402, l.RTP)
	assert.Equal(t, 20403, l.RTCP)
	assert.True(t, a.InUse(20402))
	assert.True(t, a.InUse(20403))
}

func TestAllocator_Exhaustion(t *testing.T) {
	a := newTestAllocator(t, 20400, 20403)
	assert.Equal(t, 2, a.Available())

	_, err := a.Lease()
	require.NoError(t, err)
	_, err = a.Lease()
	require.NoError(t, err)

	_, err = a.Lease()
	assert.ErrorIs(t, err, ErrPortExhaustion)
	assert.Equal(t, 0, a.Available())
}

func TestAllocator_ReleaseMakesPairReusable(t *testing.T) {
	a := newTestAllocator(t, 20400, 20500)

	first, err := a.Lease()
	require.NoError(t, err)
	second, err := a.Lease()
	require.NoError(t, err)
	assert.Equal(t, 20402, second.RTP)

	require.NoError(t, a.Release(first))
	assert.False(t, a.InUse(first.RTP))

	next, err := a.Lease()
	require.NoError(t, err)
	assert.Equal(t, first.RTP, next.RTP, "освобожденная пара должна выдаваться следующей")
}

func TestAllocator_ReleaseExactlyOnce(t *testing.T) {
	a := newTestAllocator(t, 20400, 20500)

	l, err := a.Lease()
	require.NoError(t, err)
	require.NoError(t, a.Release(l))

	// Та же пара выдана другому звонку
	other, err := a.Lease()
	require.NoError(t, err)
	require.Equal(t, l.RTP, other.RTP)

	// Повторное освобождение старой аренды не должно отнять пару у нового владельца
	assert.ErrorIs(t, a.Release(l), ErrNotLeased)
	assert.True(t, a.InUse(other.RTP))
	assert.NoError(t, a.Release(other))
}

func TestAllocator_ConcurrentLeasesNeverOverlap(t *testing.T) {
	a := newTestAllocator(t, 20000, 20999)

	const workers = 50
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int]bool)
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				l, err := a.Lease()
				if !assert.NoError(t, err) {
					return
				}

				mu.Lock()
				assert.False(t, seen[l.RTP], "порт %d выдан дважды", l.RTP)
				seen[l.RTP] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*5)
	assert.Equal(t, 500-workers*5, a.Available())
}

func TestAllocator_SkipsPortsBusyInSystem(t *testing.T) {
	a := newTestAllocator(t, 20400, 20500)
	a.probe = func(_ string, port int) bool {
		return port != 20400 && port != 20403
	}

	l, err := a.Lease()
	require.NoError(t, err)
	assert.Equal(t, 20404, l.RTP)
}
