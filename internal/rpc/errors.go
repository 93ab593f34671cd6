package rpc

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrClosed         = errors.New("rpc connection closed")
	ErrLoginRejected  = errors.New("login rejected by node")
	ErrUnexpectedData = errors.New("unexpected response payload")
)

// TransportError is a socket level failure. The supervisor answers it with a
// reconnect; it is never a caller mistake.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("transport: %v", e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Error is a structured failure returned by the node.
type Error struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

type ErrorData struct {
	Code    int          `json:"code"`
	Name    string       `json:"name"`
	Message string       `json:"message"`
	Stack   []StackFrame `json:"stack"`
}

type StackFrame struct {
	Format string         `json:"format"`
	Data   map[string]any `json:"data"`
}

// Error renders the first stack frame template with its data, falling back to
// the plain message.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Data != nil && len(e.Data.Stack) > 0 && e.Data.Stack[0].Format != "" {
		return RenderTemplate(e.Data.Stack[0].Format, e.Data.Stack[0].Data)
	}
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("rpc error %d", e.Code)
}

// RenderTemplate replaces every ${key} placeholder with data[key].
func RenderTemplate(format string, data map[string]any) string {
	if len(data) == 0 {
		return format
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		pairs = append(pairs, "${"+k+"}", fmt.Sprint(data[k]))
	}
	return strings.NewReplacer(pairs...).Replace(format)
}
