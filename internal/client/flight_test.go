package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type scoreServer struct {
	flight.BaseFlightServer

	mu       sync.Mutex
	datasets []string
	rows     int64
	seqs     []int64
}

func (s *scoreServer) DoPut(stream flight.FlightService_DoPutServer) error {
	rd, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer rd.Release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if desc := rd.LatestFlightDescriptor(); desc != nil {
		s.datasets = append(s.datasets, desc.Path...)
	}
	for rd.Next() {
		rec := rd.Record()
		s.rows += rec.NumRows()
		seq := rec.Column(0).(*array.Int64)
		for i := 0; i < seq.Len(); i++ {
			s.seqs = append(s.seqs, seq.Value(i))
		}
	}
	return rd.Err()
}

func startServer(t *testing.T) (*scoreServer, string) {
	t.Helper()
	srv := &scoreServer{}
	s := flight.NewServerWithMiddleware(nil)
	s.RegisterFlightService(srv)
	require.NoError(t, s.Init("localhost:0"))
	go func() { _ = s.Serve() }()
	t.Cleanup(s.Shutdown)
	return srv, s.Addr().String()
}

func TestPublisher_Publish(t *testing.T) {
	srv, addr := startServer(t)
	c, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer c.Close()

	b := NewRecordBuilder(memory.NewGoAllocator(), ScoreSchema("run", "m.bin"))
	p := NewPublisher(c, NewCircuitBreaker(3, time.Second), b, "scores")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Publish(ctx, sampleScores(7), 3))

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, int64(7), srv.rows)
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6}, srv.seqs)
	assert.Equal(t, []string{"scores", "scores", "scores"}, srv.datasets)
}

func TestPublisher_CircuitOpens(t *testing.T) {
	// Nothing listens on this port.
	c, err := NewFlightClient("127.0.0.1:1")
	require.NoError(t, err)
	defer c.Close()

	b := NewRecordBuilder(memory.NewGoAllocator(), ScoreSchema("run", "m.bin"))
	cb := NewCircuitBreaker(2, time.Hour)
	p := NewPublisher(c, cb, b, "scores")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Error(t, p.Publish(ctx, sampleScores(1), 0))
	assert.Error(t, p.Publish(ctx, sampleScores(1), 0))
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, p.Publish(ctx, sampleScores(1), 0), ErrCircuitOpen)
}

type mockPutter struct {
	mock.Mock
}

func (m *mockPutter) DoPut(ctx context.Context, dataset string, rec arrow.RecordBatch) error {
	args := m.Called(ctx, dataset, rec.NumRows())
	return args.Error(0)
}

func TestPublisher_Chunks(t *testing.T) {
	mp := &mockPutter{}
	mp.On("DoPut", mock.Anything, "ds", int64(4)).Return(nil).Twice()
	mp.On("DoPut", mock.Anything, "ds", int64(2)).Return(errors.New("boom")).Once()

	b := NewRecordBuilder(memory.NewGoAllocator(), ScoreSchema("run", "m.bin"))
	cb := NewCircuitBreaker(1, time.Hour)
	p := NewPublisher(mp, cb, b, "ds")

	err := p.Publish(context.Background(), sampleScores(10), 4)
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, StateOpen, cb.State())
	mp.AssertExpectations(t)

	assert.NoError(t, p.Publish(context.Background(), nil, 4))
}
