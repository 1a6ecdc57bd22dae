// Package pipeline wires the event bus to its two independent consumers:
// the log aggregator and the live gateway.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kiranshivaraju/launchpad/internal/aggregator"
	"github.com/kiranshivaraju/launchpad/internal/eventbus"
	"github.com/kiranshivaraju/launchpad/internal/gateway"
)

var ErrAlreadyStarted = errors.New("pipeline already started")

// Stream is one subscription to every job topic.
type Stream interface {
	Messages() <-chan eventbus.Message
	Close() error
}

// Source opens independent streams over the same bus.
type Source interface {
	Subscribe(ctx context.Context) (Stream, error)
}

type busSource struct {
	bus *eventbus.RedisBus
}

// BusSource adapts a RedisBus to a Source.
func BusSource(bus *eventbus.RedisBus) Source {
	return busSource{bus: bus}
}

func (s busSource) Subscribe(ctx context.Context) (Stream, error) {
	sub, err := s.bus.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Pipeline owns the consumer loops. It is built once in main and started and
// shut down explicitly.
type Pipeline struct {
	source     Source
	aggregator *aggregator.Aggregator
	hub        *gateway.Hub

	mu      sync.Mutex
	started bool
	streams []Stream
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Pipeline. Nothing runs until Start.
func New(source Source, agg *aggregator.Aggregator, hub *gateway.Hub) *Pipeline {
	return &Pipeline{source: source, aggregator: agg, hub: hub}
}

// Start opens one subscription per consumer, starts both consumer loops and
// the periodic flush.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}

	aggStream, err := p.source.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe aggregator: %w", err)
	}
	hubStream, err := p.source.Subscribe(ctx)
	if err != nil {
		_ = aggStream.Close()
		return fmt.Errorf("subscribe gateway: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.streams = []Stream{aggStream, hubStream}
	p.started = true

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.aggregator.Run(runCtx, aggStream.Messages())
	}()
	go func() {
		defer p.wg.Done()
		p.hub.Run(runCtx, hubStream.Messages())
	}()
	p.aggregator.StartTicker(runCtx)

	slog.Info("pipeline started", "pattern", eventbus.Pattern)
	return nil
}

// Shutdown closes the subscriptions, waits for the consumer loops, persists
// every buffered line and disconnects all viewers.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	streams := p.streams
	cancel := p.cancel
	p.streams = nil
	p.mu.Unlock()

	var errs []error
	for _, s := range streams {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscription: %w", err))
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for consumers: %w", ctx.Err()))
	}
	if cancel != nil {
		cancel()
	}

	if err := p.aggregator.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain aggregator: %w", err))
	}
	p.hub.Close()

	slog.Info("pipeline stopped")
	return errors.Join(errs...)
}
