package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ahimsalabs/channellog-go/channellog/internal/protocol"
	"github.com/google/uuid"
)

// HTTPTransport implements Transport over the channel log HTTP protocol.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
	headers HeaderProvider
}

// HeaderProvider returns headers to include in requests.
// Called for each request, allowing dynamic values like refreshed auth tokens.
type HeaderProvider func(ctx context.Context) (http.Header, error)

// HTTPConfig configures an HTTPTransport.
type HTTPConfig struct {
	// Client is the underlying HTTP client. Default: http.DefaultClient.
	// Its Timeout must be zero or longer than any subscription.
	Client *http.Client

	// Headers provides headers to include in all requests.
	// If nil, no additional headers are added.
	Headers HeaderProvider
}

// NewHTTPTransport creates a new HTTP transport for the given base URL.
// Pass nil for cfg to use defaults.
func NewHTTPTransport(baseURL string, cfg *HTTPConfig) *HTTPTransport {
	t := &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  http.DefaultClient,
	}

	if cfg != nil {
		if cfg.Client != nil {
			t.client = cfg.Client
		}
		t.headers = cfg.Headers
	}

	return t
}

// applyHeaders applies configured headers and a request id to a request.
func (t *HTTPTransport) applyHeaders(ctx context.Context, req *http.Request) error {
	if t.headers != nil {
		headers, err := t.headers(ctx)
		if err != nil {
			return fmt.Errorf("get headers: %w", err)
		}
		for key, values := range headers {
			for _, value := range values {
				req.Header.Add(key, value)
			}
		}
	}
	if req.Header.Get(protocol.HeaderRequestID) == "" {
		req.Header.Set(protocol.HeaderRequestID, uuid.NewString())
	}
	return nil
}

// do builds, sends and checks a request. The caller closes the body.
func (t *HTTPTransport) do(ctx context.Context, method, path string, query url.Values, body []byte, header http.Header) (*http.Response, error) {
	u, err := t.buildURL(path)
	if err != nil {
		return nil, fmt.Errorf("build URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for key, values := range header {
		httpReq.Header[key] = values
	}

	if err := t.applyHeaders(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	if err := checkErrorResponse(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// Create creates a log.
func (t *HTTPTransport) Create(ctx context.Context, req CreateRequest) error {
	body, err := protocol.EncodeMetadata(req.Metadata)
	if err != nil {
		return &Error{Code: protocol.CodeBadRequest, Message: err.Error(), StatusCode: http.StatusBadRequest}
	}

	header := http.Header{}
	header.Set("Content-Type", protocol.ContentTypeMetadata)
	if req.Server != (Name{}) {
		header.Set(protocol.HeaderLogServer, encodeName(req.Server))
	}

	resp, err := t.do(ctx, http.MethodPut, "/logs/"+encodeName(req.Name), nil, body, header)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Open starts a session on a log.
func (t *HTTPTransport) Open(ctx context.Context, req OpenRequest) (Conn, error) {
	header := http.Header{}
	header.Set(protocol.HeaderIOMode, strconv.Itoa(req.Mode))

	resp, err := t.do(ctx, http.MethodPost, "/logs/"+encodeName(req.Name)+"/sessions", nil, nil, header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	session := resp.Header.Get(protocol.HeaderSession)
	if session == "" {
		return nil, &Error{Code: protocol.CodeInternal, Message: "open response without session id", StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	md, err := protocol.DecodeMetadata(body)
	if err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	return &httpConn{t: t, session: session, metadata: md}, nil
}

// httpConn is one server-side session.
type httpConn struct {
	t        *HTTPTransport
	session  string
	metadata []MetadataEntry
}

func (c *httpConn) path(suffix string) string {
	return "/sessions/" + c.session + suffix
}

func (c *httpConn) Metadata() []MetadataEntry {
	return c.metadata
}

// Read fetches one record.
func (c *httpConn) Read(ctx context.Context, req ReadRequest) (*Record, error) {
	resp, err := c.t.do(ctx, http.MethodGet, c.path("/records/"+strconv.FormatInt(req.Recno, 10)), nil, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return readRecord(resp)
}

// Append adds a record.
func (c *httpConn) Append(ctx context.Context, req AppendRequest) (*Record, error) {
	header := http.Header{}
	header.Set("Content-Type", "application/octet-stream")

	payload := req.Payload
	if payload == nil {
		payload = []byte{}
	}
	resp, err := c.t.do(ctx, http.MethodPost, c.path("/records"), nil, payload, header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return readRecord(resp)
}

// idleMillis rounds d up to whole milliseconds.
func idleMillis(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Millisecond - 1) / time.Millisecond)
}

// Stream opens an SSE stream of records.
func (c *httpConn) Stream(ctx context.Context, req StreamRequest) (RecordStream, error) {
	q := url.Values{}
	q.Set(protocol.QueryFirst, strconv.FormatInt(req.First, 10))
	if req.Limit > 0 {
		q.Set(protocol.QueryLimit, strconv.Itoa(req.Limit))
	}
	if req.Follow {
		q.Set(protocol.QueryFollow, "true")
	}
	if req.IdleLimit {
		q.Set(protocol.QueryIdle, strconv.FormatInt(idleMillis(req.Idle), 10))
	}

	header := http.Header{}
	header.Set("Accept", "text/event-stream")

	resp, err := c.t.do(ctx, http.MethodGet, c.path("/stream"), q, nil, header)
	if err != nil {
		return nil, err
	}

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected content type: %s", ct)
	}

	return &httpRecordStream{
		reader:   bufio.NewReader(resp.Body),
		response: resp,
	}, nil
}

// Close ends the session. Closing a session the server already forgot
// is not an error.
func (c *httpConn) Close(ctx context.Context) error {
	resp, err := c.t.do(ctx, http.MethodDelete, c.path(""), nil, nil, nil)
	if err != nil {
		if e, ok := err.(*Error); ok && e.Code == protocol.CodeNoSession {
			return nil
		}
		return err
	}
	resp.Body.Close()
	return nil
}

func readRecord(resp *http.Response) (*Record, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	rec, err := protocol.DecodeRecord(body)
	if err != nil {
		return nil, &Error{Code: protocol.CodeInternal, Message: err.Error(), StatusCode: resp.StatusCode}
	}
	return &rec, nil
}

// buildURL constructs the full URL for a path.
func (t *HTTPTransport) buildURL(path string) (*url.URL, error) {
	return url.Parse(t.baseURL + "/" + strings.TrimLeft(path, "/"))
}

func encodeName(n Name) string {
	return base64.RawURLEncoding.EncodeToString(n[:])
}

// checkErrorResponse checks for error responses and returns appropriate errors.
func checkErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var errResp protocol.ErrorBody
	if body, err := io.ReadAll(resp.Body); err == nil && len(body) > 0 {
		if json.Unmarshal(body, &errResp) == nil && errResp.Code != "" {
			return &Error{
				Code:       errResp.Code,
				Message:    errResp.Message,
				StatusCode: resp.StatusCode,
				Status:     errResp.Status,
			}
		}
	}

	return &Error{
		Code:       httpStatusToCode(resp.StatusCode),
		Message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, resp.Status),
		StatusCode: resp.StatusCode,
	}
}

// httpStatusToCode maps HTTP status codes to error codes.
func httpStatusToCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return protocol.CodeNotFound
	case http.StatusConflict:
		return protocol.CodeExists
	case http.StatusBadRequest:
		return protocol.CodeBadRequest
	case http.StatusRequestedRangeNotSatisfiable:
		return protocol.CodeRange
	case http.StatusForbidden, http.StatusUnauthorized:
		return protocol.CodeForbidden
	case http.StatusRequestEntityTooLarge:
		return protocol.CodeTooLarge
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return protocol.CodeUnavailable
	default:
		return protocol.CodeInternal
	}
}

// Error is a failed request as reported by the server.
type Error struct {
	Code       string
	Message    string
	StatusCode int
	// Status is the packed log status from the response body, or zero.
	Status uint32
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

// httpRecordStream implements RecordStream for SSE connections.
type httpRecordStream struct {
	reader   *bufio.Reader
	response *http.Response
}

// Next reads the next SSE event.
//
//	event: data
//	data: <base64 record>
//
//	event: end
//	data: {"status":327680,"delivered":2}
func (s *httpRecordStream) Next(ctx context.Context) (*StreamEvent, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var eventType string
	var dataLines []string

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && eventType == "" {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read SSE line: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")

		// Empty line indicates end of event
		if line == "" {
			if eventType != "" {
				return buildEvent(eventType, strings.Join(dataLines, "\n"))
			}
			continue
		}

		// Comment lines (":") and unknown fields are ignored
		if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(line[6:])
		} else if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(line[5:]))
		}
	}
}

func buildEvent(eventType, data string) (*StreamEvent, error) {
	switch eventType {
	case protocol.EventData:
		rec, err := protocol.DecodeRecordText(data)
		if err != nil {
			return nil, fmt.Errorf("decode record event: %w", err)
		}
		return &StreamEvent{Type: StreamData, Record: &rec}, nil
	case protocol.EventEnd:
		var end protocol.EndBody
		if err := json.Unmarshal([]byte(data), &end); err != nil {
			return nil, fmt.Errorf("decode end event: %w", err)
		}
		return &StreamEvent{Type: StreamEnd, Status: end.Status}, nil
	default:
		return nil, fmt.Errorf("unknown SSE event type %q", eventType)
	}
}

// Close closes the SSE connection.
func (s *httpRecordStream) Close() error {
	if s.response != nil && s.response.Body != nil {
		return s.response.Body.Close()
	}
	return nil
}

var _ Transport = (*HTTPTransport)(nil)
