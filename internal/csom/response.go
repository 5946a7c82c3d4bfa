package csom

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedResponse is returned when a ProcessQuery body is not the
// expected JSON array.
var ErrMalformedResponse = errors.New("csom: malformed ProcessQuery response")

// ErrorInfo is the server-reported failure of a request.
type ErrorInfo struct {
	ErrorMessage       string `json:"ErrorMessage"`
	ErrorValue         any    `json:"ErrorValue"`
	TraceCorrelationID string `json:"TraceCorrelationId"`
	ErrorCode          int    `json:"ErrorCode"`
	ErrorTypeName      string `json:"ErrorTypeName"`
}

// Header is element 0 of a ProcessQuery response.
type Header struct {
	SchemaVersion      string     `json:"SchemaVersion"`
	LibraryVersion     string     `json:"LibraryVersion"`
	ErrorInfo          *ErrorInfo `json:"ErrorInfo"`
	TraceCorrelationID string     `json:"TraceCorrelationId"`
}

// Response is a decoded ProcessQuery response. Elements after the header are
// not decoded.
type Response struct {
	Header Header
}

// ServerError wraps a non-nil ErrorInfo.
type ServerError struct {
	Info ErrorInfo
}

func (e *ServerError) Error() string {
	msg := e.Info.ErrorMessage
	if msg == "" {
		msg = e.Info.ErrorTypeName
	}
	if msg == "" {
		msg = fmt.Sprintf("error code %d", e.Info.ErrorCode)
	}
	return msg
}

// Err returns a *ServerError when the server reported one, nil otherwise.
func (r *Response) Err() error {
	if r.Header.ErrorInfo == nil {
		return nil
	}
	return &ServerError{Info: *r.Header.ErrorInfo}
}

// ParseResponse decodes body. It fails with ErrMalformedResponse unless body
// is a non-empty JSON array whose first element is an object. A server-side
// failure is not a parse error; check Response.Err.
func ParseResponse(body []byte) (*Response, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: empty array", ErrMalformedResponse)
	}
	first := bytes.TrimSpace(items[0])
	if len(first) == 0 || first[0] != '{' {
		return nil, fmt.Errorf("%w: first element is not an object", ErrMalformedResponse)
	}
	resp := &Response{}
	if err := json.Unmarshal(first, &resp.Header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return resp, nil
}
