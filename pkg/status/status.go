// Package status mirrors the controller state machines to Redis.
//
// Every update sets a field of a hash and publishes the field name on a
// channel of the same name, so that other processes can either poll the hash
// or subscribe to changes.
package status

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const DefaultQueueSize = 64

// Fields published by the controller
const (
	FieldInterface = "interface"
	FieldNetwork   = "network"
	FieldMotion    = "motion"
	FieldProfile   = "profile"
)

// Destination of the state updates
type Sink interface {
	Publish(ctx context.Context, field string, value string) error
	Close() error
}

type RedisSink struct {
	client *redis.Client
	key    string
}

func NewRedisSink(addr string, key string) *RedisSink {
	return &RedisSink{
		client: redis.NewClient(&redis.Options{Addr: addr, DB: 0}),
		key:    key,
	}
}

func (s *RedisSink) Publish(ctx context.Context, field string, value string) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.key, field, value)
	pipe.HSet(ctx, s.key, field+":timestamp", time.Now().Format(time.RFC3339Nano))
	pipe.Publish(ctx, s.key, field)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

type update struct {
	field string
	value string
}

// Publisher forwards updates to a sink from its own goroutine,
// callers never block on the sink.
type Publisher struct {
	sink    Sink
	queue   chan update
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	dropped uint64
}

func NewPublisher(sink Sink, size int) *Publisher {
	if size <= 0 {
		size = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{sink: sink, queue: make(chan update, size), ctx: ctx, cancel: cancel}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for u := range p.queue {
		ctx, cancel := context.WithTimeout(p.ctx, time.Second)
		err := p.sink.Publish(ctx, u.field, u.value)
		cancel()
		if err != nil {
			log.Warnf("[STATUS] failed to publish %v=%v : %v", u.field, u.value, err)
		}
	}
}

// Queue an update, returns false if it was dropped because the queue is full
// or the publisher is closed
func (p *Publisher) Set(field string, value string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- update{field: field, value: value}:
		return true
	default:
		p.dropped++
		log.Debugf("[STATUS] queue full, dropped %v=%v", field, value)
		return false
	}
}

// Number of updates dropped because the queue was full
func (p *Publisher) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Flush queued updates and close the sink
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
	p.cancel()
	return p.sink.Close()
}
