package push

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultQueueSize   = 4096
	defaultWorkers     = 4
	defaultSendTimeout = 5 * time.Second
	maxConcurrentSends = 8
)

// TokenStore is the durable push-target registry the dispatcher reads.
type TokenStore interface {
	PushTokens(ctx context.Context, userID int64) ([]string, error)
	DeletePushToken(ctx context.Context, token string) error
}

type Config struct {
	Gateway Gateway
	Tokens  TokenStore

	QueueSize int
	Workers   int

	// SendTimeout bounds each gateway call so a slow provider cannot stall
	// the workers.
	SendTimeout time.Duration
}

// Dispatcher fans notification sends out to a fixed worker pool. Enqueue
// never blocks the caller; when the queue is full the send is dropped and
// logged, matching the best-effort contract of the push channel.
type Dispatcher struct {
	gw      Gateway
	tokens  TokenStore
	timeout time.Duration

	queue chan job
	wg    sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

type job struct {
	userID int64
	title  string
	body   string
}

func NewDispatcher(c Config) *Dispatcher {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}

	d := &Dispatcher{
		gw:      c.Gateway,
		tokens:  c.Tokens,
		timeout: c.SendTimeout,
		queue:   make(chan job, c.QueueSize),
	}

	for i := 0; i < c.Workers; i++ {
		d.wg.Add(1)
		go d.work()
	}

	return d
}

// Enqueue hands a send to the worker pool without blocking. A user without
// registered tokens is a no-op at delivery time, not an error here.
func (d *Dispatcher) Enqueue(userID int64, title, body string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	select {
	case d.queue <- job{userID: userID, title: title, body: body}:
	default:
		slog.Warn("push: queue full, dropping send", "user", userID)
	}
}

// Stop drains the queue and waits for the workers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) work() {
	defer d.wg.Done()

	for j := range d.queue {
		d.deliver(j)
	}
}

func (d *Dispatcher) deliver(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	tokens, err := d.tokens.PushTokens(ctx, j.userID)
	if err != nil {
		slog.ErrorContext(ctx, "push: load tokens failed", "user", j.userID, "error", err)
		return
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrentSends)

	for _, token := range tokens {
		token := token
		eg.Go(func() error {
			if err := d.gw.Send(ctx, token, j.title, j.body); err != nil {
				d.handleSendError(ctx, j.userID, token, err)
			}
			return nil
		})
	}

	// Send errors are handled per token; Wait only joins the group.
	_ = eg.Wait()
}

// handleSendError logs and drops; there is no synchronous retry. A token the
// provider rejects as invalid is unregistered so it never gets tried again.
func (d *Dispatcher) handleSendError(ctx context.Context, userID int64, token string, err error) {
	class := Classify(err)

	slog.WarnContext(ctx, "push: send failed",
		"user", userID,
		"class", class.String(),
		"error", err,
	)

	if class == FailureInvalidToken {
		if derr := d.tokens.DeletePushToken(ctx, token); derr != nil {
			slog.ErrorContext(ctx, "push: remove invalid token failed", "error", derr)
		}
	}
}
