package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RPCMessage is the envelope of every frame exchanged on the battle socket.
// Exactly one of Req or Res is set.
type RPCMessage struct {
	Req *RPCData `json:"req,omitempty" validate:"required_without=Res,excluded_with=Res"`
	Res *RPCData `json:"res,omitempty" validate:"required_without=Req,excluded_with=Req"`
}

// ParseRPCMessage parses a JSON frame into an RPCMessage
func ParseRPCMessage(data []byte) (RPCMessage, error) {
	var msg RPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return RPCMessage{}, fmt.Errorf("failed to parse message: %w", err)
	}
	return msg, nil
}

type RPCDataParams = any

// RPCData represents the common structure for both requests and responses
// Format: [request_id, method, params, ts]
type RPCData struct {
	RequestID uint64        `json:"request_id" validate:"required"`
	Method    string        `json:"method" validate:"required"`
	Params    RPCDataParams `json:"params" validate:"required"`
	Timestamp uint64        `json:"ts" validate:"required"`
}

// UnmarshalJSON reads the array form [request_id, method, params, ts].
func (m *RPCData) UnmarshalJSON(data []byte) error {
	var rawArr []json.RawMessage
	if err := json.Unmarshal(data, &rawArr); err != nil {
		return fmt.Errorf("error reading RPCData as array: %w", err)
	}
	if len(rawArr) != 4 {
		return errors.New("invalid RPCData: expected 4 elements in array")
	}

	if err := json.Unmarshal(rawArr[0], &m.RequestID); err != nil {
		return fmt.Errorf("invalid request_id: %w", err)
	}
	if err := json.Unmarshal(rawArr[1], &m.Method); err != nil {
		return fmt.Errorf("invalid method: %w", err)
	}
	if err := json.Unmarshal(rawArr[2], &m.Params); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	if err := json.Unmarshal(rawArr[3], &m.Timestamp); err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}

	return nil
}

// MarshalJSON for RPCData always emits the array form [RequestID, Method, Params, Timestamp].
func (m RPCData) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{
		m.RequestID,
		m.Method,
		m.Params,
		m.Timestamp,
	})
}

// NewRPCRequest builds a request frame stamped with the current time.
func NewRPCRequest(id uint64, method string, params RPCDataParams) *RPCMessage {
	if params == nil {
		params = struct{}{}
	}
	return &RPCMessage{
		Req: &RPCData{
			RequestID: id,
			Method:    method,
			Params:    params,
			Timestamp: uint64(time.Now().UnixMilli()),
		},
	}
}

// ErrorResponse is the params payload of an "error" response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RPCError is an error whose message is safe to return to the client.
// Handlers failing with an RPCError (possibly wrapped) expose its message;
// any other error is replaced by the handler's fallback message.
//
// Example:
//
//	// Client will receive this exact error message
//	return RPCErrorf("battle %s not found", id)
//
//	// Client will receive a generic error message
//	return fmt.Errorf("database connection failed")
type RPCError struct {
	err error
}

// RPCErrorf creates a new RPCError with a formatted message.
func RPCErrorf(format string, args ...any) RPCError {
	return RPCError{
		err: fmt.Errorf(format, args...),
	}
}

// Error implements the error interface for RPCError
func (e RPCError) Error() string {
	return e.err.Error()
}

// Unwrap exposes the formatted error so that wrapped sentinels stay matchable.
func (e RPCError) Unwrap() error {
	return e.err
}
