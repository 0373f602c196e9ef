package adapter

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"quantbridge/config"
	"quantbridge/logger"
)

// RequestFunc performs the actual platform call once the scheduler has
// granted a rate-limit token.
type RequestFunc func(ctx context.Context) (interface{}, error)

// Result resolves a scheduled request.
type Result struct {
	Value interface{}
	Err   error
}

// Future resolves with the raw platform response or a typed error.
type Future struct {
	ch chan Result
}

// Wait blocks until the request resolves or the context is cancelled.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case res := <-f.ch:
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type request struct {
	op     string
	key    string
	do     RequestFunc
	future *Future
}

// Scheduler drains a single outbound request queue per session at a
// token-bucket rate derived from the platform's documented limit.
// Requests exceeding the limit wait rather than fail, bounded by the
// configured maximum wait. Mutating requests for one account are
// serialized here, so cancel and query for the same order never race.
type Scheduler struct {
	platform string
	limiter  *rate.Limiter
	cfg      config.RateLimitConfig
	queue    chan *request
	log      *logger.Log

	mu      sync.Mutex
	running bool
	stopped chan struct{}
}

func NewScheduler(platform string, cfg config.RateLimitConfig, queueSize int) *Scheduler {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Scheduler{
		platform: platform,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstSize),
		cfg:      cfg,
		queue:    make(chan *request, queueSize),
		log:      logger.GetLogger(),
		stopped:  make(chan struct{}),
	}
}

// Start begins draining the queue until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	go s.drain(ctx)
	return nil
}

func (s *Scheduler) drain(ctx context.Context) {
	log := s.log.WithComponent("request_scheduler").WithFields(logger.Fields{"platform": s.platform})
	defer close(s.stopped)

	for {
		select {
		case <-ctx.Done():
			s.failPending(ErrSessionLost)
			return
		case req := <-s.queue:
			waitCtx, cancel := context.WithTimeout(ctx, s.cfg.MaxWait)
			err := s.limiter.Wait(waitCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					req.future.ch <- Result{Err: ErrSessionLost}
					s.failPending(ErrSessionLost)
					return
				}
				log.WithFields(logger.Fields{"op": req.op}).Warn("rate limit wait budget exceeded")
				req.future.ch <- Result{Err: ErrRequestTimeout}
				continue
			}

			value, err := req.do(ctx)
			if err != nil {
				log.WithError(err).WithFields(logger.Fields{"op": req.op, "key": req.key}).Debug("request failed")
			}
			req.future.ch <- Result{Value: value, Err: err}
		}
	}
}

// Submit enqueues a rate-limited request and returns its future. The
// idempotency key travels with the request for logging and platform
// client-order-id reuse; deduplication itself lives with the caller.
func (s *Scheduler) Submit(ctx context.Context, op, key string, do RequestFunc) (*Future, error) {
	f := &Future{ch: make(chan Result, 1)}
	req := &request{op: op, key: key, do: do, future: f}
	select {
	case s.queue <- req:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.stopped:
		return nil, ErrSessionLost
	}
}

// failPending resolves every queued request with the given error.
func (s *Scheduler) failPending(err error) {
	for {
		select {
		case req := <-s.queue:
			req.future.ch <- Result{Err: err}
		default:
			return
		}
	}
}
