package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"chatgate/internal/eventbus"
	rtsup "chatgate/internal/runtime/supervisor"
	"chatgate/internal/transport"
	logx "chatgate/pkg/logx"
)

// QueueConfig controls the outbound send queue.
type QueueConfig struct {
	MaxConcurrent int
	QueueSize     int
	// RatePerSec adds a global token-bucket cap across all destinations on
	// top of the per-destination window. 0 disables it.
	RatePerSec  int
	SendTimeout time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec < 0 {
		c.RatePerSec = 0
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

type sendResult struct {
	ref transport.MessageRef
	err error
}

type sendJob struct {
	dest       string
	text       string
	opt        *transport.SendOptions
	retryCount int
	enqueuedAt time.Time
	done       chan sendResult // buffered 1; exactly one delivery per job
}

// SendEvent is emitted on the event bus for send lifecycle events.
// Keep it small; Data may be logged/serialized by subscribers.
type SendEvent struct {
	Platform    string        `json:"platform"`
	Destination string        `json:"destination"`
	Attempt     int           `json:"attempt"`
	At          time.Time     `json:"at"`
	MessageID   string        `json:"message_id,omitempty"`
	Delay       time.Duration `json:"delay,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// SendQueue drains queued sends with a bounded worker pool. Fresh jobs append
// at the back; retries re-enter at the front after their backoff elapses, so
// a message keeps its place relative to newer sends for the same destination.
//
// Jobs for one destination run strictly one at a time: a popped job owns its
// destination until it resolves, through rate-limit waits and retry backoffs,
// while workers keep draining other destinations around it.
//
// Each job's outcome is delivered on its own channel; one job's terminal
// failure never affects another.
type SendQueue struct {
	mu             sync.Mutex
	cfg            QueueConfig
	jobs           []*sendJob
	busy           map[string]*sendJob // destination -> job that owns it
	pendingRetries int
	closed         bool
	glim           *rate.Limiter

	wake chan struct{}

	platform string
	limits   *RateLimitWindow
	policy   *RetryPolicy
	tr       transport.Transport
	log      logx.Logger
	bus      eventbus.Bus

	inFlight atomic.Int64
}

func NewSendQueue(platform string, cfg QueueConfig, limits *RateLimitWindow, policy *RetryPolicy, tr transport.Transport, log logx.Logger, bus eventbus.Bus) *SendQueue {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	q := &SendQueue{
		cfg:      cfg,
		busy:     map[string]*sendJob{},
		wake:     make(chan struct{}, 1024),
		platform: platform,
		limits:   limits,
		policy:   policy,
		tr:       tr,
		log:      log,
		bus:      bus,
	}
	if cfg.RatePerSec > 0 {
		q.glim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return q
}

// Apply swaps queue limits at runtime.
// Note: live pool resizing is out of scope; MaxConcurrent takes effect on restart.
func (q *SendQueue) Apply(cfg QueueConfig) {
	cfg = cfg.withDefaults()
	q.mu.Lock()
	q.cfg = cfg
	if cfg.RatePerSec > 0 {
		q.glim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	} else {
		q.glim = nil
	}
	q.mu.Unlock()
}

// Start launches the worker pool under sup. It reopens a queue closed by a
// prior Stop so the owning gateway can restart.
func (q *SendQueue) Start(sup *rtsup.Supervisor) {
	q.mu.Lock()
	q.closed = false
	q.busy = map[string]*sendJob{}
	workers := q.cfg.MaxConcurrent
	q.mu.Unlock()

	for i := 0; i < workers; i++ {
		idx := i
		name := fmt.Sprintf("send.worker.%d", idx)
		sup.GoRestart(name, func(ctx context.Context) error {
			q.workerLoop(ctx)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.New("send worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop rejects all queued jobs and blocks new enqueues. Workers exit when
// their supervisor context is cancelled.
func (q *SendQueue) Stop() {
	q.mu.Lock()
	q.closed = true
	jobs := q.jobs
	q.jobs = nil
	q.busy = map[string]*sendJob{}
	q.mu.Unlock()
	for _, j := range jobs {
		j.done <- sendResult{err: ErrStopped}
	}
}

// Enqueue queues a send and blocks until it resolves, the retry budget is
// exhausted, or ctx is cancelled. A cancelled caller abandons the wait; the
// send itself is not recalled once issued.
func (q *SendQueue) Enqueue(ctx context.Context, dest, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	j := &sendJob{
		dest:       dest,
		text:       text,
		opt:        opt,
		enqueuedAt: time.Now(),
		done:       make(chan sendResult, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return transport.MessageRef{}, ErrStopped
	}
	if size := q.cfg.QueueSize; len(q.jobs)+q.pendingRetries >= size {
		q.mu.Unlock()
		q.publish(eventbus.TypeSendDropped, j, "", 0, ErrQueueFull)
		q.log.Warn("send queue full; rejecting", logx.String("dest", dest), logx.Int("queue_size", size))
		return transport.MessageRef{}, ErrQueueFull
	}
	q.jobs = append(q.jobs, j)
	q.mu.Unlock()

	q.kick()
	q.publish(eventbus.TypeSendQueued, j, "", 0, nil)

	select {
	case r := <-j.done:
		return r.ref, r.err
	case <-ctx.Done():
		return transport.MessageRef{}, ctx.Err()
	}
}

// Depth reports jobs queued or waiting out a retry backoff.
func (q *SendQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs) + q.pendingRetries
}

// InFlight reports sends currently being attempted.
func (q *SendQueue) InFlight() int { return int(q.inFlight.Load()) }

func (q *SendQueue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop returns the first job whose destination is free (or already owned by
// that same job, which happens when a retry re-enters the queue) and claims
// the destination. Jobs behind an owned destination are skipped, not blocked.
func (q *SendQueue) pop() *sendJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := 0; i < len(q.jobs); i++ {
		j := q.jobs[i]
		if owner, held := q.busy[j.dest]; held && owner != j {
			continue
		}
		q.busy[j.dest] = j
		q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
		return j
	}
	return nil
}

// release frees j's destination and wakes a worker so a skipped same-dest job
// gets rechecked.
func (q *SendQueue) release(j *sendJob) {
	q.mu.Lock()
	if q.busy[j.dest] == j {
		delete(q.busy, j.dest)
	}
	q.mu.Unlock()
	q.kick()
}

func (q *SendQueue) workerLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		j := q.pop()
		if j == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		q.process(ctx, j)
	}
}

func (q *SendQueue) process(ctx context.Context, j *sendJob) {
	q.inFlight.Add(1)
	defer q.inFlight.Add(-1)

	// Admission: wait out the per-destination window. This parks only this
	// worker; the other workers keep draining.
	for {
		wait := q.limits.Admit(j.dest)
		if wait <= 0 {
			break
		}
		q.log.Debug("send delayed by rate limit", logx.String("dest", j.dest), logx.Duration("wait", wait))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			q.release(j)
			j.done <- sendResult{err: ErrStopped}
			return
		case <-t.C:
		}
	}

	q.mu.Lock()
	lim := q.glim
	timeout := q.cfg.SendTimeout
	q.mu.Unlock()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			q.release(j)
			j.done <- sendResult{err: ErrStopped}
			return
		}
	}

	// Bound per-send call. Keep tight to avoid hanging workers; expiry is a
	// transient network failure under the retry policy.
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	ref, err := q.tr.Send(callCtx, j.dest, j.text, j.opt)
	cancel()
	if err == nil {
		q.limits.RecordSend(j.dest)
		q.release(j)
		q.publish(eventbus.TypeSendSent, j, ref.ID, 0, nil)
		j.done <- sendResult{ref: ref}
		return
	}
	if ctx.Err() != nil {
		q.release(j)
		j.done <- sendResult{err: ErrStopped}
		return
	}

	err = transport.WrapNetErr(err)
	if q.policy.ShouldRetry(err, j.retryCount) {
		delay := q.policy.Delay(err, j.retryCount)
		j.retryCount++
		q.log.Debug("send retry scheduled",
			logx.String("dest", j.dest),
			logx.Int("attempt", j.retryCount+1),
			logx.Duration("delay", delay),
			logx.Err(err))
		q.publish(eventbus.TypeSendRetry, j, "", delay, err)
		// The job keeps its destination through the backoff; a newer send for
		// the same destination must not overtake the retry.
		q.scheduleRetry(j, delay)
		return
	}

	if q.policy.Retriable(err) {
		err = &TerminalSendFailure{Attempts: j.retryCount + 1, Err: err}
	}
	q.release(j)
	q.log.Warn("send failed", logx.String("dest", j.dest), logx.Int("attempts", j.retryCount+1), logx.Err(err))
	q.publish(eventbus.TypeSendFailed, j, "", 0, err)
	j.done <- sendResult{err: err}
}

// scheduleRetry re-inserts j at the front of the queue once delay elapses,
// without holding a worker slot in the meantime.
func (q *SendQueue) scheduleRetry(j *sendJob, delay time.Duration) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		j.done <- sendResult{err: ErrStopped}
		return
	}
	q.pendingRetries++
	q.mu.Unlock()

	time.AfterFunc(delay, func() {
		q.mu.Lock()
		q.pendingRetries--
		if q.closed {
			q.mu.Unlock()
			j.done <- sendResult{err: ErrStopped}
			return
		}
		q.jobs = append([]*sendJob{j}, q.jobs...)
		q.mu.Unlock()
		q.kick()
	})
}

func (q *SendQueue) publish(typ string, j *sendJob, msgID string, delay time.Duration, err error) {
	if q.bus == nil {
		return
	}
	now := time.Now()
	ev := SendEvent{
		Platform:    q.platform,
		Destination: j.dest,
		Attempt:     j.retryCount + 1,
		At:          now,
		MessageID:   msgID,
		Delay:       delay,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	q.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}
