package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-t2t/internal/train"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("client: circuit open")

// FlightClient sends records to a Longbow server.
type FlightClient struct {
	client flight.Client
	conn   *grpc.ClientConn
}

// NewFlightClient connects to addr without transport security.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &FlightClient{
		client: flight.NewClientFromConn(conn, nil),
		conn:   conn,
	}, nil
}

// DoPut writes one record to the dataset named by path.
func (c *FlightClient) DoPut(ctx context.Context, dataset string, rec arrow.RecordBatch) error {
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{dataset},
	})
	if err := w.Write(rec); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	// Drain acknowledgements until the server ends the call.
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (c *FlightClient) Close() error {
	return c.conn.Close()
}

// Putter sends one record to a dataset. FlightClient implements it.
type Putter interface {
	DoPut(ctx context.Context, dataset string, rec arrow.RecordBatch) error
}

// Publisher uploads scores through a circuit breaker so an unavailable
// server fails fast after repeated errors.
type Publisher struct {
	client  Putter
	breaker *CircuitBreaker
	builder *RecordBuilder
	dataset string
}

func NewPublisher(c Putter, cb *CircuitBreaker, b *RecordBuilder, dataset string) *Publisher {
	return &Publisher{client: c, breaker: cb, builder: b, dataset: dataset}
}

// Publish sends scores in chunks of at most chunk rows.
func (p *Publisher) Publish(ctx context.Context, scores []train.Score, chunk int) error {
	if chunk < 1 {
		chunk = len(scores)
	}
	for beg := 0; beg < len(scores); beg += chunk {
		end := min(beg+chunk, len(scores))
		if err := p.put(ctx, scores[beg:end]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) put(ctx context.Context, scores []train.Score) error {
	if !p.breaker.Allow() {
		publishErrors.WithLabelValues("circuit_open").Inc()
		return ErrCircuitOpen
	}
	rec, err := p.builder.Build(scores)
	if err != nil {
		return err
	}
	defer rec.Release()

	if err := p.client.DoPut(ctx, p.dataset, rec); err != nil {
		p.breaker.Failure()
		publishErrors.WithLabelValues("put").Inc()
		log.Warn().Err(err).Str("dataset", p.dataset).Str("circuit", p.breaker.State().String()).Msg("Failed to publish scores")
		return fmt.Errorf("failed to publish %d scores: %w", len(scores), err)
	}
	p.breaker.Success()
	publishedRows.Add(float64(len(scores)))
	return nil
}
