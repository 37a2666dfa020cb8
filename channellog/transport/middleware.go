package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"time"
)

// WithLogging wraps a transport with request/response logging.
//
// Example:
//
//	transport := WithLogging(slog.Default())(baseTransport)
func WithLogging(logger *slog.Logger) Middleware {
	return func(next Transport) Transport {
		return &loggingTransport{next: next, logger: logger}
	}
}

type loggingTransport struct {
	next   Transport
	logger *slog.Logger
}

func (t *loggingTransport) Create(ctx context.Context, req CreateRequest) error {
	start := time.Now()
	err := t.next.Create(ctx, req)
	logOp(ctx, t.logger, "Create", req.Name, start, err)
	return err
}

func (t *loggingTransport) Open(ctx context.Context, req OpenRequest) (Conn, error) {
	start := time.Now()
	conn, err := t.next.Open(ctx, req)
	logOp(ctx, t.logger, "Open", req.Name, start, err)
	if err != nil {
		return nil, err
	}
	return &loggingConn{next: conn, logger: t.logger, name: req.Name}, nil
}

type loggingConn struct {
	next   Conn
	logger *slog.Logger
	name   Name
}

func (c *loggingConn) Read(ctx context.Context, req ReadRequest) (*Record, error) {
	start := time.Now()
	rec, err := c.next.Read(ctx, req)
	logOp(ctx, c.logger, "Read", c.name, start, err, "recno", req.Recno)
	return rec, err
}

func (c *loggingConn) Append(ctx context.Context, req AppendRequest) (*Record, error) {
	start := time.Now()
	rec, err := c.next.Append(ctx, req)
	logOp(ctx, c.logger, "Append", c.name, start, err, "len", len(req.Payload))
	return rec, err
}

func (c *loggingConn) Stream(ctx context.Context, req StreamRequest) (RecordStream, error) {
	start := time.Now()
	s, err := c.next.Stream(ctx, req)
	logOp(ctx, c.logger, "Stream", c.name, start, err, "first", req.First, "limit", req.Limit, "follow", req.Follow)
	return s, err
}

func (c *loggingConn) Metadata() []MetadataEntry { return c.next.Metadata() }

func (c *loggingConn) Close(ctx context.Context) error {
	start := time.Now()
	err := c.next.Close(ctx)
	logOp(ctx, c.logger, "Close", c.name, start, err)
	return err
}

func logOp(ctx context.Context, logger *slog.Logger, op string, name Name, start time.Time, err error, attrs ...any) {
	args := append([]any{
		"op", op,
		"log", base64.RawURLEncoding.EncodeToString(name[:]),
		"duration", time.Since(start),
	}, attrs...)
	if err != nil {
		logger.ErrorContext(ctx, "transport operation failed", append(args, "error", err)...)
	} else {
		logger.DebugContext(ctx, "transport operation", args...)
	}
}

// RetryOptions configures WithRetry. Zero fields take the values of
// DefaultRetryOptions.
type RetryOptions struct {
	// MaxRetries is the number of attempts after the first.
	MaxRetries int

	// InitialBackoff is the wait before the first retry. Each later wait
	// is Multiplier times longer, up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// Jitter spreads each wait randomly by up to this fraction of it.
	Jitter float64

	// Retryable reports whether err is worth another attempt. The default
	// retries server errors and network failures such as a refused
	// connection to a dead daemon.
	Retryable func(error) bool
}

// DefaultRetryOptions returns the defaults used by WithRetry.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
		Retryable:      defaultRetryable,
	}
}

func defaultRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode >= 500
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// WithRetry wraps a transport with retry logic and exponential backoff.
//
// Only idempotent calls are retried: Open, Read and Stream. Create and
// Append are passed through unchanged; repeating them after an ambiguous
// failure could create a log twice or duplicate a record.
//
//	t = WithRetry(DefaultRetryOptions())(t)
func WithRetry(opts RetryOptions) Middleware {
	def := DefaultRetryOptions()
	if opts.MaxRetries == 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.InitialBackoff == 0 {
		opts.InitialBackoff = def.InitialBackoff
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	if opts.Multiplier == 0 {
		opts.Multiplier = def.Multiplier
	}
	if opts.Retryable == nil {
		opts.Retryable = def.Retryable
	}

	return func(next Transport) Transport {
		return &retryTransport{next: next, opts: opts}
	}
}

type retryTransport struct {
	next Transport
	opts RetryOptions
}

func (t *retryTransport) Create(ctx context.Context, req CreateRequest) error {
	return t.next.Create(ctx, req)
}

func (t *retryTransport) Open(ctx context.Context, req OpenRequest) (Conn, error) {
	conn, err := retry(ctx, t.opts, func() (Conn, error) { return t.next.Open(ctx, req) })
	if err != nil {
		return nil, err
	}
	return &retryConn{Conn: conn, opts: t.opts}, nil
}

// retryConn retries Read and Stream; Append, Metadata and Close pass
// through.
type retryConn struct {
	Conn
	opts RetryOptions
}

func (c *retryConn) Read(ctx context.Context, req ReadRequest) (*Record, error) {
	return retry(ctx, c.opts, func() (*Record, error) { return c.Conn.Read(ctx, req) })
}

func (c *retryConn) Stream(ctx context.Context, req StreamRequest) (RecordStream, error) {
	return retry(ctx, c.opts, func() (RecordStream, error) { return c.Conn.Stream(ctx, req) })
}

func retry[T any](ctx context.Context, opts RetryOptions, op func() (T, error)) (T, error) {
	wait := opts.InitialBackoff
	for attempt := 0; ; attempt++ {
		v, err := op()
		if err == nil || attempt == opts.MaxRetries || !opts.Retryable(err) {
			return v, err
		}

		d := wait
		if opts.Jitter > 0 {
			d += time.Duration((rand.Float64()*2 - 1) * opts.Jitter * float64(wait))
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			var zero T
			return zero, ctx.Err()
		case <-t.C:
		}

		wait = min(time.Duration(float64(wait)*opts.Multiplier), opts.MaxBackoff)
	}
}

// Chain combines multiple middleware into a single middleware.
// Middleware is applied in order: Chain(a, b, c)(t) == a(b(c(t))).
//
// Example:
//
//	transport := Chain(
//	    WithRetry(DefaultRetryOptions()),
//	    WithLogging(logger),
//	)(baseTransport)
func Chain(middlewares ...Middleware) Middleware {
	return func(next Transport) Transport {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
