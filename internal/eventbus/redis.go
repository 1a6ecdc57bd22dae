package eventbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Publisher sends log lines to a job topic.
type Publisher interface {
	Publish(ctx context.Context, jobID, text string) error
	PublishStatus(ctx context.Context, jobID, text, status string) error
}

// RedisBus implements Publisher and pattern subscriptions on go-redis/v9.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus creates a RedisBus from a Redis URL.
func NewRedisBus(redisURL string) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return &RedisBus{client: redis.NewClient(opts)}, nil
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Publish(ctx context.Context, jobID, text string) error {
	return b.PublishStatus(ctx, jobID, text, "")
}

func (b *RedisBus) PublishStatus(ctx context.Context, jobID, text, status string) error {
	if err := b.client.Publish(ctx, Topic(jobID), Encode(text, status)).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", Topic(jobID), err)
	}
	return nil
}

// Subscribe opens a dedicated PSUBSCRIBE connection on every job topic. Each
// call returns an independent stream, so two consumers each see every message.
func (b *RedisBus) Subscribe(ctx context.Context) (*Subscription, error) {
	ps := b.client.PSubscribe(ctx, Pattern)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("psubscribe %s: %w", Pattern, err)
	}

	s := &Subscription{
		ps:   ps,
		out:  make(chan Message),
		done: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.pump(ps.Channel())
	return s, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

// Subscription is one pattern subscription. Messages arrive in publish order
// per topic on a single channel, which is closed after Close.
type Subscription struct {
	ps   *redis.PubSub
	out  chan Message
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func (s *Subscription) Messages() <-chan Message {
	return s.out
}

func (s *Subscription) pump(in <-chan *redis.Message) {
	defer s.wg.Done()
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			if _, valid := JobIDFromTopic(m.Channel); !valid {
				continue
			}
			select {
			case s.out <- Decode(m.Channel, m.Payload):
			case <-s.done:
				return
			}
		}
	}
}

// Close stops the subscription and waits for the message pump to exit.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
		s.wg.Wait()
	})
	return err
}
