package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/nodeadm/internal/model"
)

var ErrSerializerClosed = errors.New("command serializer closed")

// Sender transmits one command line. A nil error means the transport
// accepted the line; it says nothing about the eventual answer.
type Sender interface {
	Send(ctx context.Context, command string) error
}

// Batch is a group of commands issued together by one caller.
type Batch struct {
	Commands []string
	// Backoff is the retry ladder applied when the sender reports
	// model.ErrDeviceNotReady. Nil disables retries.
	Backoff []time.Duration
}

type job struct {
	ctx    context.Context
	batch  Batch
	result chan error
}

// Serializer issues batches strictly in submission order from a single
// worker goroutine.
type Serializer struct {
	sender Sender
	logger *zap.Logger
	queue  chan job

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

func NewSerializer(sender Sender, logger *zap.Logger) *Serializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Serializer{
		sender:  sender,
		logger:  logger,
		queue:   make(chan job, 64),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Submit enqueues batch and waits until every command in it was accepted by
// the sender, or the first one failed.
func (s *Serializer) Submit(ctx context.Context, batch Batch) error {
	if len(batch.Commands) == 0 {
		return nil
	}
	j := job{ctx: ctx, batch: batch, result: make(chan error, 1)}
	select {
	case <-s.closing:
		return ErrSerializerClosed
	case <-ctx.Done():
		return ctx.Err()
	case s.queue <- j:
	}
	select {
	case err := <-j.result:
		return err
	case <-s.done:
		// The worker may have exited between our enqueue and its drain.
		select {
		case err := <-j.result:
			return err
		default:
			return ErrSerializerClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker. Jobs still queued fail with ErrSerializerClosed.
func (s *Serializer) Close() {
	s.closeOnce.Do(func() {
		close(s.closing)
	})
	<-s.done
}

func (s *Serializer) run() {
	defer close(s.done)
	for {
		select {
		case <-s.closing:
			s.drain()
			return
		case j := <-s.queue:
			j.result <- s.issue(j)
		}
	}
}

func (s *Serializer) drain() {
	for {
		select {
		case j := <-s.queue:
			j.result <- ErrSerializerClosed
		default:
			return
		}
	}
}

func (s *Serializer) issue(j job) error {
	for _, cmd := range j.batch.Commands {
		if err := j.ctx.Err(); err != nil {
			return err
		}
		if err := s.sendWithRetry(j.ctx, cmd, j.batch.Backoff); err != nil {
			return fmt.Errorf("send %q: %w", cmd, err)
		}
	}
	return nil
}

func (s *Serializer) sendWithRetry(ctx context.Context, cmd string, backoff []time.Duration) error {
	maxAttempts := 1 + len(backoff)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := s.sender.Send(ctx, cmd)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, model.ErrDeviceNotReady) || attempt == maxAttempts {
			break
		}
		wait := backoff[attempt-1]
		s.logger.Debug("device not ready, retrying",
			zap.String("command", cmd),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.closing:
			timer.Stop()
			return ErrSerializerClosed
		case <-timer.C:
		}
	}
	return lastErr
}
