// Package protocol contains internal wire constants and the binary codec
// shared by the HTTP transport and the server handler.
package protocol

// HTTP header names used by the channel log protocol.
const (
	// HeaderLogServer carries the printable name of the log server a create
	// request is addressed to.
	HeaderLogServer = "Log-Server"

	// HeaderIOMode carries the numeric I/O mode of an open request.
	HeaderIOMode = "Log-IO-Mode"

	// HeaderSession returns the session id assigned by an open request.
	HeaderSession = "Log-Session"

	// HeaderLogLength reports the number of records in the log at the time
	// of the response.
	HeaderLogLength = "Log-Length"

	// HeaderRequestID correlates client and server log lines.
	HeaderRequestID = "X-Request-Id"
)

// Query parameter names used by stream requests.
const (
	QueryFirst  = "first"
	QueryLimit  = "limit"
	QueryFollow = "follow"
	QueryIdle   = "idle" // milliseconds
)

// SSE event types.
const (
	EventData = "data"
	EventEnd  = "end"
)

// Content types.
const (
	ContentTypeRecord   = "application/vnd.channellog.record"
	ContentTypeMetadata = "application/vnd.channellog.metadata"
	ContentTypeJSON     = "application/json"
)

// Error codes carried in the JSON error body.
const (
	CodeBadRequest  = "bad_request"
	CodeNotFound    = "not_found"
	CodeExists      = "exists"
	CodeRange       = "range"
	CodeForbidden   = "forbidden"
	CodeTooLarge    = "payload_too_large"
	CodeUnavailable = "unavailable"
	CodeNoSession   = "no_session"
	CodeInternal    = "internal"
)

// ErrorBody is the JSON body of every non-2xx response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Status is the packed log status (severity<<16 | code).
	Status uint32 `json:"status,omitempty"`
}

// EndBody is the JSON payload of an SSE "end" event.
type EndBody struct {
	// Status is the packed log status describing why the stream ended.
	Status uint32 `json:"status"`
	// Delivered is the number of data events sent on this connection.
	Delivered int `json:"delivered"`
}
