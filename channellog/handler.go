package channellog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go4org/hashtriemap"
	"github.com/google/uuid"

	"github.com/ahimsalabs/channellog-go/channellog/internal/protocol"
)

const (
	defaultMaxAppendSize = 10 * 1024 * 1024 // 10MB
	defaultMaxMetadata   = 1 * 1024 * 1024  // 1MB
	defaultSSECloseAfter = 60 * time.Second
	defaultBatchSize     = 256
)

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	// ServerName is the printable name or alias of this log server. Create
	// requests addressed to another server are refused. Empty accepts any.
	ServerName string

	// SSECloseAfter is the duration after which follow streams are closed
	// without an end event; clients reconnect. Default: 60s.
	SSECloseAfter time.Duration

	// MaxAppendSize is the maximum allowed payload size. Default: 10MB.
	MaxAppendSize int64

	// MaxSessions caps the number of open sessions. Zero means no cap.
	MaxSessions int

	// BatchSize is the number of records read from storage at a time
	// while streaming. Default: 256.
	BatchSize int

	// Logger receives request logs. Default: discard.
	Logger *slog.Logger

	// Metrics, if set, is updated for every request.
	Metrics *ServerMetrics
}

// session is one open of a log.
type session struct {
	id      string
	name    LogName
	mode    IOMode
	created time.Time
}

// Handler implements http.Handler for serving channel logs.
type Handler struct {
	storage       Storage
	mux           *http.ServeMux
	serverName    LogName
	sseCloseAfter time.Duration
	maxAppendSize int64
	maxSessions   int
	batchSize     int
	logger        *slog.Logger
	metrics       *ServerMetrics

	sessions  hashtriemap.HashTrieMap[string, *session]
	nsessions atomic.Int64
}

// NewHandler creates a new log handler with the given storage.
// Pass nil for cfg to use defaults.
func NewHandler(storage Storage, cfg *HandlerConfig) *Handler {
	h := &Handler{
		storage:       storage,
		sseCloseAfter: defaultSSECloseAfter,
		maxAppendSize: defaultMaxAppendSize,
		batchSize:     defaultBatchSize,
		logger:        slog.New(slog.DiscardHandler),
	}

	if cfg != nil {
		if cfg.ServerName != "" {
			if n, err := ParseName(cfg.ServerName); err == nil {
				h.serverName = n
			}
		}
		if cfg.SSECloseAfter > 0 {
			h.sseCloseAfter = cfg.SSECloseAfter
		}
		if cfg.MaxAppendSize > 0 {
			h.maxAppendSize = cfg.MaxAppendSize
		}
		if cfg.MaxSessions > 0 {
			h.maxSessions = cfg.MaxSessions
		}
		if cfg.BatchSize > 0 {
			h.batchSize = cfg.BatchSize
		}
		if cfg.Logger != nil {
			h.logger = cfg.Logger
		}
		h.metrics = cfg.Metrics
	}

	mux := http.NewServeMux()
	mux.HandleFunc("PUT /logs/{name}", h.handleCreate)
	mux.HandleFunc("POST /logs/{name}/sessions", h.handleOpen)
	mux.HandleFunc("DELETE /sessions/{id}", h.handleClose)
	mux.HandleFunc("GET /sessions/{id}/records/{recno}", h.handleRead)
	mux.HandleFunc("POST /sessions/{id}/records", h.handleAppend)
	mux.HandleFunc("GET /sessions/{id}/stream", h.handleStream)
	h.mux = mux
	return h
}

// ServeHTTP dispatches the request and logs its outcome.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	h.mux.ServeHTTP(rec, r)

	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	if h.metrics != nil {
		h.metrics.requests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	}
	h.logger.DebugContext(r.Context(), "request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", rec.status,
		"duration", time.Since(start),
		"request_id", r.Header.Get(protocol.HeaderRequestID),
	)
}

// SessionCount returns the number of open sessions.
func (h *Handler) SessionCount() int { return int(h.nsessions.Load()) }

// handleCreate implements PUT /logs/{name}.
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	name, perr := pathName(r)
	if perr != nil {
		writeError(w, perr)
		return
	}

	if s := r.Header.Get(protocol.HeaderLogServer); s != "" && h.serverName.IsValid() {
		server, err := ParseName(s)
		if err != nil || !server.Equal(h.serverName) {
			writeError(w, newProtoError(codeNotFound, StatusNoRoute, fmt.Sprintf("unknown log server %s", s)))
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, defaultMaxMetadata+1))
	if err != nil {
		writeError(w, newProtoError(codeBadRequest, StatusBadRequest, "failed to read request body"))
		return
	}
	if len(body) > defaultMaxMetadata {
		writeError(w, newProtoError(codeTooLarge, StatusBadRequest, "metadata too large"))
		return
	}
	md := NewMetadata()
	if len(body) > 0 {
		if err := md.UnmarshalBinary(body); err != nil {
			writeError(w, newProtoError(codeBadRequest, StatusBadRequest, err.Error()))
			return
		}
	}

	if err := h.storage.Create(r.Context(), name, md); err != nil {
		writeStorageError(w, err)
		return
	}
	h.logger.InfoContext(r.Context(), "log created", "log", name.String(), "metadata", md.Len())
	w.WriteHeader(http.StatusCreated)
}

// handleOpen implements POST /logs/{name}/sessions.
func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	name, perr := pathName(r)
	if perr != nil {
		writeError(w, perr)
		return
	}

	m, err := strconv.Atoi(r.Header.Get(protocol.HeaderIOMode))
	mode := IOMode(m)
	if err != nil || !mode.valid() {
		writeError(w, newProtoError(codeBadRequest, StatusBadIOMode, "invalid I/O mode"))
		return
	}

	info, err := h.storage.Info(r.Context(), name)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	body, err := info.Metadata.MarshalBinary()
	if err != nil {
		writeError(w, newProtoError(codeInternal, StatusInternal, err.Error()))
		return
	}

	if n := h.nsessions.Add(1); h.maxSessions > 0 && n > int64(h.maxSessions) {
		h.nsessions.Add(-1)
		writeError(w, newProtoError(codeUnavailable, StatusDeadDaemon, "too many sessions"))
		return
	}
	s := &session{id: uuid.NewString(), name: name, mode: mode, created: time.Now()}
	h.sessions.Store(s.id, s)
	if h.metrics != nil {
		h.metrics.sessions.Inc()
	}

	w.Header().Set(protocol.HeaderSession, s.id)
	w.Header().Set(protocol.HeaderLogLength, strconv.FormatInt(info.Length, 10))
	w.Header().Set("Content-Type", protocol.ContentTypeMetadata)
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

// handleClose implements DELETE /sessions/{id}.
func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.sessions.LoadAndDelete(r.PathValue("id")); !ok {
		writeError(w, newProtoError(codeNoSession, StatusNotOpen, "no such session"))
		return
	}
	h.nsessions.Add(-1)
	if h.metrics != nil {
		h.metrics.sessions.Dec()
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRead implements GET /sessions/{id}/records/{recno}.
func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request) {
	s, perr := h.session(r, IOMode.CanRead, StatusBadIOMode)
	if perr != nil {
		writeError(w, perr)
		return
	}

	recno, err := strconv.ParseInt(r.PathValue("recno"), 10, 64)
	if err != nil {
		writeError(w, newProtoError(codeBadRequest, StatusBadRequest, "invalid recno"))
		return
	}
	if recno < 0 {
		info, err := h.storage.Info(r.Context(), s.name)
		if err != nil {
			writeStorageError(w, err)
			return
		}
		recno = info.Length + 1 + recno
	}
	if recno < 1 {
		writeError(w, newProtoError(codeNotFound, StatusNotFound, "no such record"))
		return
	}

	d, err := h.storage.Read(r.Context(), s.name, recno)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeRecord(w, http.StatusOK, d)
}

// handleAppend implements POST /sessions/{id}/records.
func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request) {
	s, perr := h.session(r, IOMode.CanAppend, StatusReadOnly)
	if perr != nil {
		writeError(w, perr)
		return
	}

	if r.ContentLength > h.maxAppendSize {
		writeError(w, newProtoError(codeTooLarge, StatusBadRequest, fmt.Sprintf("record exceeds maximum size of %d bytes", h.maxAppendSize)))
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, h.maxAppendSize+1))
	if err != nil {
		writeError(w, newProtoError(codeBadRequest, StatusBadRequest, "failed to read request body"))
		return
	}
	if int64(len(payload)) > h.maxAppendSize {
		writeError(w, newProtoError(codeTooLarge, StatusBadRequest, fmt.Sprintf("record exceeds maximum size of %d bytes", h.maxAppendSize)))
		return
	}

	d, err := h.storage.Append(r.Context(), s.name, payload)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.appended.Inc()
		h.metrics.bytes.Add(float64(len(payload)))
	}
	writeRecord(w, http.StatusCreated, d)
}

// streamParams are the parsed query parameters of a stream request.
type streamParams struct {
	first  int64
	limit  int
	follow bool

	// idle applies only when set; an absent parameter means no limit.
	idle    time.Duration
	idleSet bool
}

func parseStreamParams(r *http.Request) (streamParams, *protoError) {
	var p streamParams
	q := r.URL.Query()
	var err error
	if v := q.Get(protocol.QueryFirst); v != "" {
		if p.first, err = strconv.ParseInt(v, 10, 64); err != nil {
			return p, newProtoError(codeBadRequest, StatusBadRequest, "invalid first parameter")
		}
	}
	if v := q.Get(protocol.QueryLimit); v != "" {
		if p.limit, err = strconv.Atoi(v); err != nil || p.limit < 0 {
			return p, newProtoError(codeBadRequest, StatusBadRequest, "invalid limit parameter")
		}
	}
	if v := q.Get(protocol.QueryFollow); v != "" {
		if p.follow, err = strconv.ParseBool(v); err != nil {
			return p, newProtoError(codeBadRequest, StatusBadRequest, "invalid follow parameter")
		}
	}
	if v := q.Get(protocol.QueryIdle); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < 0 {
			return p, newProtoError(codeBadRequest, StatusBadRequest, "invalid idle parameter")
		}
		p.idle = time.Duration(ms) * time.Millisecond
		p.idleSet = true
	}
	return p, nil
}

// handleStream implements GET /sessions/{id}/stream as Server-Sent Events.
//
// Each record is sent as a "data" event holding the base64 binary record.
// The stream ends with an "end" event, except when a follow stream is cut
// after SSECloseAfter, in which case the client resumes with a new request.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	s, perr := h.session(r, IOMode.CanRead, StatusBadIOMode)
	if perr != nil {
		writeError(w, perr)
		return
	}
	p, perr := parseStreamParams(r)
	if perr != nil {
		writeError(w, perr)
		return
	}

	info, err := h.storage.Info(r.Context(), s.name)
	if err != nil {
		writeStorageError(w, err)
		return
	}

	next := p.first
	switch {
	case next == 0:
		next = 1
	case next < 0:
		next = max(info.Length+1+next, 1)
	case next > info.Length+1, next > info.Length && !p.follow:
		writeError(w, newProtoError(codeRange, StatusRange,
			fmt.Sprintf("first record %d is beyond the end of the log (%d records)", next, info.Length)))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, newProtoError(codeInternal, StatusInternal, "streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(protocol.HeaderLogLength, strconv.FormatInt(info.Length, 10))
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if h.metrics != nil {
		h.metrics.streams.Inc()
		defer h.metrics.streams.Dec()
	}

	ctx := r.Context()
	closeTimer := time.NewTimer(h.sseCloseAfter)
	defer closeTimer.Stop()

	var idle <-chan time.Time
	var idleTimer *time.Timer
	if p.follow && p.idleSet {
		idleTimer = time.NewTimer(p.idle)
		defer idleTimer.Stop()
		idle = idleTimer.C
	}

	delivered := 0
	for {
		n := h.batchSize
		if p.limit > 0 {
			n = min(n, p.limit-delivered)
		}
		batch, err := h.storage.ReadRange(ctx, s.name, next, n)
		if err != nil {
			if ctx.Err() == nil {
				h.logger.ErrorContext(ctx, "stream read failed", "log", s.name.String(), "recno", next, "error", err)
				writeEnd(w, StatusInternal, delivered)
			}
			return
		}
		for _, d := range batch {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", protocol.EventData, protocol.EncodeRecordText(d.record()))
			next = d.Recno + 1
			delivered++
		}
		if len(batch) > 0 {
			flusher.Flush()
			if idleTimer != nil {
				idleTimer.Reset(p.idle)
			}
		}

		if p.limit > 0 && delivered >= p.limit {
			writeEnd(w, StatusOK, delivered)
			return
		}
		if len(batch) == n {
			continue
		}
		if !p.follow {
			writeEnd(w, StatusOK, delivered)
			return
		}

		// Caught up; wait for the log to grow.
		subCtx, cancel := context.WithCancel(ctx)
		notify, err := h.storage.Subscribe(subCtx, s.name, next-1)
		if err != nil {
			cancel()
			writeEnd(w, StatusInternal, delivered)
			return
		}
		select {
		case <-notify:
			cancel()
		case <-idle:
			cancel()
			writeEnd(w, StatusTimeout, delivered)
			return
		case <-closeTimer.C:
			cancel()
			return
		case <-ctx.Done():
			cancel()
			return
		}
	}
}

// session looks up the session named in the path and checks that its
// mode permits the operation.
func (h *Handler) session(r *http.Request, allowed func(IOMode) bool, denied Status) (*session, *protoError) {
	s, ok := h.sessions.Load(r.PathValue("id"))
	if !ok {
		return nil, newProtoError(codeNoSession, StatusNotOpen, "no such session")
	}
	if !allowed(s.mode) {
		return nil, newProtoError(codeForbidden, denied, fmt.Sprintf("session is %s", s.mode))
	}
	return s, nil
}

func pathName(r *http.Request) (LogName, *protoError) {
	b, err := nameEncoding.DecodeString(r.PathValue("name"))
	if err != nil {
		return LogName{}, newProtoError(codeBadRequest, StatusNameInvalid, "malformed log name")
	}
	name, err := NameFromBytes(b)
	if err != nil || !name.IsValid() {
		return LogName{}, newProtoError(codeBadRequest, StatusNameInvalid, "invalid log name")
	}
	return name, nil
}

func writeRecord(w http.ResponseWriter, status int, d Datum) {
	w.Header().Set("Content-Type", protocol.ContentTypeRecord)
	w.WriteHeader(status)
	_, _ = w.Write(protocol.EncodeRecord(d.record()))
}

func writeEnd(w http.ResponseWriter, status Status, delivered int) {
	body, _ := json.Marshal(protocol.EndBody{Status: status.Uint32(), Delivered: delivered})
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", protocol.EventEnd, body)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, err *protoError) {
	w.Header().Set("Content-Type", protocol.ContentTypeJSON)
	w.WriteHeader(err.Code.httpStatus())
	_ = json.NewEncoder(w).Encode(err.body())
}

// writeStorageError converts a storage error to an HTTP error response.
// Handles both protoError (from internal use) and sentinel errors (from storage).
func writeStorageError(w http.ResponseWriter, err error) {
	var protoErr *protoError
	if errors.As(err, &protoErr) {
		writeError(w, protoErr)
		return
	}

	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, newProtoError(codeNotFound, StatusNotFound, err.Error()))
	case errors.Is(err, ErrExists):
		writeError(w, newProtoError(codeExists, StatusExists, err.Error()))
	case errors.Is(err, ErrInvalid):
		writeError(w, newProtoError(codeBadRequest, StatusBadRequest, err.Error()))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, newProtoError(codeUnavailable, StatusTimeout, err.Error()))
	default:
		writeError(w, newProtoError(codeInternal, StatusInternal, err.Error()))
	}
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.written {
		r.status = code
		r.written = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.written = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	r.written = true
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
