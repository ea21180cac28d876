package device

import (
	"runtime"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)

// numWorkers defines the default parallelism for CPU operations
var numWorkers = runtime.NumCPU()

// CPUBackend keeps scratch buffers in a sync.Pool. With a reserve, only
// buffers that fit the reserved budget are pooled; the rest come from and go
// back to the general allocator.
type CPUBackend struct {
	pool    sync.Pool
	reserve *semaphore.Weighted

	mu       sync.Mutex
	overflow map[*float32]struct{}
}

func NewCPUBackend() *CPUBackend {
	return NewCPUBackendWithReserve(0)
}

// NewCPUBackendWithReserve creates a backend whose pooled scratch memory is
// bounded by reserve bytes. reserve <= 0 means unbounded.
func NewCPUBackendWithReserve(reserve int64) *CPUBackend {
	b := &CPUBackend{
		pool: sync.Pool{
			New: func() interface{} {
				buf := make([]float32, 0)
				return &buf
			},
		},
		overflow: make(map[*float32]struct{}),
	}
	if reserve > 0 {
		b.reserve = semaphore.NewWeighted(reserve)
		log.Debug().Int64("bytes", reserve).Msg("Reserved scratch arena")
	}
	return b
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) NewTensor(shape []int, data []float32) *Tensor {
	size := SizeOf(shape)
	t := &Tensor{
		shape: append([]int(nil), shape...),
		data:  make([]float32, size),
	}
	if data != nil {
		if len(data) != size {
			log.Panic().Int("want", size).Int("got", len(data)).Msg("NewTensor: provided data length does not match dimensions")
		}
		copy(t.data, data)
	}
	return t
}

func (b *CPUBackend) GetBuffer(n int) []float32 {
	if n == 0 {
		return nil
	}
	if b.reserve != nil && !b.reserve.TryAcquire(int64(n)*4) {
		poolOverflow.Inc()
		buf := make([]float32, n)
		b.mu.Lock()
		b.overflow[&buf[0]] = struct{}{}
		b.mu.Unlock()
		return buf
	}

	bp := b.pool.Get().(*[]float32)
	buf := *bp
	if cap(buf) < n {
		poolMisses.Inc()
		return make([]float32, n)
	}
	poolHits.Inc()
	buf = buf[:n]
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

func (b *CPUBackend) PutBuffer(buf []float32) {
	if len(buf) == 0 {
		return
	}
	if b.reserve != nil {
		b.mu.Lock()
		_, over := b.overflow[&buf[0]]
		if over {
			delete(b.overflow, &buf[0])
		}
		b.mu.Unlock()
		if over {
			return
		}
		b.reserve.Release(int64(len(buf)) * 4)
	}
	b.pool.Put(&buf)
}

func (b *CPUBackend) Synchronize() {
	// CPU is always synchronous
}
