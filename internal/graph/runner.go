package graph

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/evergraph/evergraph/internal/types"
)

// Runner executes one statement against the backing store and decodes the
// result into the neutral model. Implementations must be safe for
// concurrent use. Tests substitute a scripted fake.
type Runner interface {
	Execute(ctx context.Context, stmt string) (*Result, error)
	Close()
}

// Store is the graph gateway. Every component above it works with typed
// records; nothing outside this package composes statements.
type Store struct {
	run Runner
	log *zap.Logger
}

// New wires a Store over a runner.
func New(run Runner, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{run: run, log: log}
}

// Close releases the underlying runner.
func (s *Store) Close() { s.run.Close() }

// exec runs a mutation statement. Mutations are never retried: the
// ingestion pipeline owns idempotency, not the gateway.
func (s *Store) exec(ctx context.Context, stmt string) (*Result, error) {
	res, err := s.run.Execute(ctx, stmt)
	if err != nil {
		s.log.Debug("statement failed", zap.String("stmt", stmt), zap.Error(err))
		return nil, err
	}
	return res, nil
}

// execRead runs a read statement with bounded exponential backoff. Only
// store-level failures are retried; validation errors surface immediately.
func (s *Store) execRead(ctx context.Context, stmt string) (*Result, error) {
	var res *Result
	op := func() error {
		r, err := s.run.Execute(ctx, stmt)
		if err != nil {
			if errors.Is(err, types.ErrStore) {
				return err
			}
			return backoff.Permanent(err)
		}
		res = r
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = 3 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx)); err != nil {
		s.log.Debug("read failed after retries", zap.String("stmt", stmt), zap.Error(err))
		return nil, err
	}
	return res, nil
}

// Ping verifies the store answers a trivial read.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.exec(ctx, "YIELD 1")
	return err
}
