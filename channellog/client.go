package channellog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go4org/hashtriemap"

	"github.com/ahimsalabs/channellog-go/channellog/internal/protocol"
	"github.com/ahimsalabs/channellog-go/channellog/transport"
)

// HeaderProvider is a function that provides HTTP headers per-request.
// Re-exported from transport package.
type HeaderProvider = transport.HeaderProvider

const defaultTimeout = 30 * time.Second

// ClientConfig configures a Client created via NewClient.
//
// For custom transports (testing, middleware), use NewClientWithTransport instead.
//
// # Zero Values
//
// Zero values are replaced with defaults:
//   - Timeout: 30s (if zero or negative)
//   - HTTPClient: http.DefaultClient (if nil)
//   - Headers: none (if nil)
//   - Logger: discards everything (if nil)
//   - Server: the server's own default (if empty)
type ClientConfig struct {
	// HTTPClient is the underlying HTTP client.
	// Default: http.DefaultClient.
	HTTPClient *http.Client

	// Headers provides headers to include in all requests.
	// Called per-request to allow dynamic values (e.g., auth tokens).
	Headers HeaderProvider

	// Timeout bounds each synchronous operation (Create, Open, Read,
	// Append) and each asynchronous append.
	Timeout time.Duration

	// Logger receives transport and cursor diagnostics.
	Logger *slog.Logger

	// Server is the printable name or alias of the log server that
	// Create uses when the caller names none.
	Server string

	// Retry, if set, retries idempotent transport calls.
	Retry *transport.RetryOptions

	// Metrics, if set, records per-operation counts and latencies.
	Metrics *transport.Metrics
}

// TransportClientConfig configures a Client created via NewClientWithTransport.
type TransportClientConfig struct {
	// Timeout is the default timeout for all operations.
	// Zero or negative values default to 30s.
	Timeout time.Duration

	// Logger receives cursor diagnostics. Default: discard.
	Logger *slog.Logger

	// Server is the default log server for Create.
	Server string
}

// Client creates and opens logs. Handles opened through a Client are
// closed by Client.Close.
type Client struct {
	transport transport.Transport
	timeout   time.Duration
	logger    *slog.Logger
	server    LogName

	handles hashtriemap.HashTrieMap[*Handle, struct{}]
	closed  atomic.Bool
}

// NewClient creates a client for the log server at baseURL.
// Pass nil for cfg to use defaults.
//
// For custom transports (testing, middleware composition), use NewClientWithTransport.
func NewClient(baseURL string, cfg *ClientConfig) *Client {
	if cfg == nil {
		cfg = &ClientConfig{}
	}

	var t transport.Transport = transport.NewHTTPTransport(baseURL, &transport.HTTPConfig{
		Client:  cfg.HTTPClient,
		Headers: cfg.Headers,
	})
	var mw []transport.Middleware
	if cfg.Metrics != nil {
		mw = append(mw, transport.WithMetrics(cfg.Metrics))
	}
	if cfg.Retry != nil {
		mw = append(mw, transport.WithRetry(*cfg.Retry))
	}
	if cfg.Logger != nil {
		mw = append(mw, transport.WithLogging(cfg.Logger))
	}
	t = transport.Chain(mw...)(t)

	return NewClientWithTransport(t, &TransportClientConfig{
		Timeout: cfg.Timeout,
		Logger:  cfg.Logger,
		Server:  cfg.Server,
	})
}

// NewClientWithTransport creates a client with a custom transport.
//
// Use this for:
//   - Testing with mock transports
//   - Middleware composition (logging, retry, metrics)
//   - Custom transport implementations
//
// Example with middleware:
//
//	t := transport.NewHTTPTransport(url, &transport.HTTPConfig{Headers: myHeaders})
//	t = transport.WithRetry(transport.DefaultRetryOptions())(t)
//	client := channellog.NewClientWithTransport(t, nil)
func NewClientWithTransport(t transport.Transport, cfg *TransportClientConfig) *Client {
	c := &Client{
		transport: t,
		timeout:   defaultTimeout,
		logger:    slog.New(slog.DiscardHandler),
	}
	if cfg != nil {
		if cfg.Timeout > 0 {
			c.timeout = cfg.Timeout
		}
		if cfg.Logger != nil {
			c.logger = cfg.Logger
		}
		if cfg.Server != "" {
			if n, err := ParseName(cfg.Server); err == nil {
				c.server = n
			}
		}
	}
	return c
}

func (c *Client) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// Create creates the log name on server, or on the client's default
// server when server is the zero LogName. md may be nil. A creation time
// is added to the metadata unless present, and so is the alias of name
// when it has one. Create does not open the log.
func (c *Client) Create(ctx context.Context, name, server LogName, md *Metadata) error {
	const op = "create"
	if c.closed.Load() {
		return newError(KindClosed, op, StatusNotOpen, nil)
	}
	if !name.IsValid() {
		return newError(KindCreate, op, StatusNameInvalid, ErrNameFormat)
	}

	if md == nil {
		md = NewMetadata()
	} else {
		md = md.Clone()
	}
	if !md.Has(TagCTime) {
		if err := md.AddString(TagCTime, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return newError(KindCreate, op, StatusBadRequest, err)
		}
	}
	if alias := name.Alias(); alias != "" && !md.Has(TagXID) {
		if err := md.AddString(TagXID, alias); err != nil {
			return newError(KindCreate, op, StatusBadRequest, err)
		}
	}

	if !server.IsValid() {
		server = c.server
	}
	req := transport.CreateRequest{Name: name.Internal(), Metadata: md.wire()}
	if server.IsValid() {
		req.Server = server.Internal()
	}

	ctx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.transport.Create(ctx, req); err != nil {
		return convertTransportError(op, KindCreate, err)
	}
	c.logger.DebugContext(ctx, "log created", "log", name.String(), "alias", name.Alias())
	return nil
}

// Open opens an existing log. Every call starts a new server session
// owned by the returned Handle; the caller must Close it.
func (c *Client) Open(ctx context.Context, name LogName, mode IOMode) (*Handle, error) {
	const op = "open"
	if c.closed.Load() {
		return nil, newError(KindClosed, op, StatusNotOpen, nil)
	}
	if !mode.valid() {
		return nil, newError(KindOpen, op, StatusBadIOMode, fmt.Errorf("%w: I/O mode %d", ErrInvalid, int(mode)))
	}
	if !name.IsValid() {
		return nil, newError(KindOpen, op, StatusNameInvalid, ErrNameFormat)
	}

	octx, cancel := c.opContext(ctx)
	defer cancel()
	conn, err := c.transport.Open(octx, transport.OpenRequest{Name: name.Internal(), Mode: int(mode)})
	if err != nil {
		return nil, convertTransportError(op, KindOpen, err)
	}

	h := newHandle(c, name, mode, conn)
	c.handles.Store(h, struct{}{})
	if c.closed.Load() {
		h.Close()
		return nil, newError(KindClosed, op, StatusNotOpen, nil)
	}
	return h, nil
}

func (c *Client) forget(h *Handle) {
	c.handles.Delete(h)
}

// Close closes every handle opened through c that is still open. Later
// calls to Create and Open fail with ErrClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	c.handles.Range(func(h *Handle, _ struct{}) bool {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	return errors.Join(errs...)
}

// convertTransportError converts transport package errors to channellog
// errors. A non-zero kind overrides the kind derived from the error code,
// keeping the code's sentinel reachable through Unwrap.
func convertTransportError(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	override := func(k Kind) Kind {
		if kind != 0 {
			return kind
		}
		return k
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newError(override(KindIO), op, StatusTimeout, err)
	}

	var tErr *transport.Error
	if !errors.As(err, &tErr) {
		return newError(override(KindIO), op, StatusDeadDaemon, err)
	}

	var (
		k      Kind
		status Status
		cause  error
	)
	switch tErr.Code {
	case protocol.CodeNotFound:
		k, status, cause = KindNotFound, StatusNotFound, ErrNotFound
	case protocol.CodeExists:
		k, status, cause = KindIO, StatusExists, ErrExists
	case protocol.CodeRange:
		k, status, cause = KindRange, StatusRange, ErrRange
	case protocol.CodeForbidden:
		k, status, cause = KindPermission, StatusBadIOMode, ErrPermission
	case protocol.CodeBadRequest, protocol.CodeTooLarge:
		k, status, cause = KindInvalid, StatusBadRequest, ErrInvalid
	case protocol.CodeNoSession:
		k, status, cause = KindIO, StatusNotOpen, ErrIO
	case protocol.CodeUnavailable:
		k, status, cause = KindIO, StatusDeadDaemon, ErrIO
	default:
		k, status, cause = KindIO, StatusInternal, ErrIO
	}
	if tErr.Status != 0 {
		status = StatusFromUint32(tErr.Status)
	}
	if tErr.Message != "" {
		cause = fmt.Errorf("%w: %s", cause, tErr.Message)
	}
	return newError(override(k), op, status, cause)
}
