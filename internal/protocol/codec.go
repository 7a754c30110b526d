package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Error is a structured protocol violation. The agent answers these with a
// rejection response instead of dropping the connection.
type Error struct {
	Code string
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// NewRequest builds a request envelope around an action payload
func NewRequest(correlationID string, action Action, payload any) (*Request, error) {
	req := &Request{
		CorrelationID: correlationID,
		Action:        action,
		TsUnixMillis:  time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", action, err)
		}
		req.Payload = raw
	}
	return req, nil
}

// EncodeRequest serializes a request envelope
func EncodeRequest(req *Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return data, nil
}

// DecodeRequest parses and validates a request envelope. An unknown action
// returns both the partially decoded request (so the correlation id can be
// echoed in a structured rejection) and a *Error with CodeUnsupportedAction.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &Error{Code: CodeMalformed, Msg: err.Error()}
	}
	if req.CorrelationID == "" {
		return &req, &Error{Code: CodeMalformed, Msg: "correlation_id is required"}
	}
	if !req.Action.Known() {
		return &req, &Error{Code: CodeUnsupportedAction, Msg: fmt.Sprintf("unsupported action %q", req.Action)}
	}
	return &req, nil
}

// DecodePayload unmarshals the action-specific payload into v
func (r *Request) DecodePayload(v any) error {
	if len(r.Payload) == 0 {
		return &Error{Code: CodeMalformed, Msg: fmt.Sprintf("%s payload is required", r.Action)}
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return &Error{Code: CodeMalformed, Msg: err.Error()}
	}
	return nil
}

// NewResponse builds a success response with the given status and payload
func NewResponse(correlationID, status string, payload any) (*Response, error) {
	resp := &Response{
		CorrelationID: correlationID,
		Status:        status,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal response payload: %w", err)
		}
		resp.Payload = raw
	}
	return resp, nil
}

// NewRejection builds a rejection response with a machine-readable code and
// human-readable detail
func NewRejection(correlationID, status, code, msg string) *Response {
	return &Response{
		CorrelationID: correlationID,
		Status:        status,
		ErrorCode:     code,
		ErrorMsg:      msg,
	}
}

// EncodeResponse serializes a response envelope
func EncodeResponse(resp *Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return data, nil
}

// DecodeResponse parses a response envelope
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &Error{Code: CodeMalformed, Msg: err.Error()}
	}
	if resp.CorrelationID == "" {
		return nil, &Error{Code: CodeMalformed, Msg: "correlation_id is required"}
	}
	return &resp, nil
}

// DecodePayload unmarshals the response payload into v
func (r *Response) DecodePayload(v any) error {
	if len(r.Payload) == 0 {
		return &Error{Code: CodeMalformed, Msg: "response payload is empty"}
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return &Error{Code: CodeMalformed, Msg: err.Error()}
	}
	return nil
}
