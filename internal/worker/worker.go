package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"zk_chat/internal/utils/log"

	"go.uber.org/zap"
)

var ErrClosed = errors.New("worker: closed")

type (
	// Envelope is one request crossing the boundary.
	Envelope struct {
		ID      uint64
		Request Request

		ctx context.Context
	}

	// Reply answers exactly one Envelope with the same ID.
	Reply struct {
		ID     uint64
		Op     OpKind
		Result any
		Err    error
	}

	Transport interface {
		Send(ctx context.Context, env Envelope) error
		Replies() <-chan Reply
	}

	// Worker executes requests against its own State. Light requests run
	// concurrently; heavy ones take an exclusive slot one at a time.
	Worker struct {
		state *State

		in    chan Envelope
		out   chan Reply
		quit  chan struct{}
		done  chan struct{}
		heavy sync.Mutex
		wg    sync.WaitGroup
		once  sync.Once
	}
)

func Spawn(state *State) *Worker {
	w := &Worker{
		state: state,
		in:    make(chan Envelope),
		out:   make(chan Reply, 16),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Worker) Send(ctx context.Context, env Envelope) error {
	env.ctx = ctx
	select {
	case w.in <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.quit:
		return ErrClosed
	}
}

func (w *Worker) Replies() <-chan Reply {
	return w.out
}

// Close stops accepting requests, waits for running ones and closes Replies.
func (w *Worker) Close() error {
	w.once.Do(func() {
		close(w.quit)
		<-w.done
		w.wg.Wait()
		close(w.out)
	})
	return nil
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		select {
		case env := <-w.in:
			w.wg.Add(1)
			go w.handle(env)
		case <-w.quit:
			return
		}
	}
}

func (w *Worker) handle(env Envelope) {
	defer w.wg.Done()

	ctx := env.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	op := env.Request.Op()

	if env.Request.Heavy() {
		w.heavy.Lock()
		defer w.heavy.Unlock()
	}

	start := time.Now()
	result, err := w.state.execute(ctx, env.Request)
	log.Debug("worker op finished",
		zap.Uint64("id", env.ID),
		zap.String("op", string(op)),
		zap.Duration("took", time.Since(start)),
		zap.Error(err),
	)

	select {
	case w.out <- Reply{ID: env.ID, Op: op, Result: result, Err: err}:
	case <-w.quit:
	}
}
