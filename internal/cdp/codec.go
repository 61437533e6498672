package cdp

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// codec is the wire codec for the remote-execution protocol.
var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// RawMessage is an undecoded JSON value returned by a remote call.
type RawMessage = jsoniter.RawMessage

// Decode unmarshals a remote result into v.
func Decode(raw RawMessage, v interface{}) error {
	if len(raw) == 0 {
		raw = RawMessage("null")
	}
	if err := codec.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode remote result: %w", err)
	}
	return nil
}

// request is one outgoing protocol message. IDs are unique per session.
type request struct {
	ID     int64       `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// message is any incoming protocol message: a reply (ID set) or an event (Method set).
type message struct {
	ID     int64          `json:"id,omitempty"`
	Method string         `json:"method,omitempty"`
	Result RawMessage     `json:"result,omitempty"`
	Error  *ProtocolError `json:"error,omitempty"`
}

// ProtocolError is an error reply from the remote end.
type ProtocolError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("protocol error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// remoteObject is the by-value result of an evaluation.
type remoteObject struct {
	Type        string     `json:"type"`
	Subtype     string     `json:"subtype,omitempty"`
	Value       RawMessage `json:"value,omitempty"`
	Description string     `json:"description,omitempty"`
}

type exceptionDetails struct {
	Text      string        `json:"text"`
	Exception *remoteObject `json:"exception,omitempty"`
}

func (e *exceptionDetails) String() string {
	if e.Exception != nil && e.Exception.Description != "" {
		return e.Exception.Description
	}
	return e.Text
}

type evaluateReply struct {
	Result           remoteObject      `json:"result"`
	ExceptionDetails *exceptionDetails `json:"exceptionDetails,omitempty"`
}
