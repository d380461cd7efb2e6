// Package mcp exposes the operation surface over the Model Context
// Protocol. Every tool is a thin projection of a service operation: the
// handlers validate input, delegate, and map error kinds to JSON-RPC
// codes.
package mcp

import (
	"fmt"

	"github.com/scopehq/contextmcp/internal/errors"
)

// JSON-RPC error codes. The -320xx range carries the domain error kinds
// through to MCP clients.
const (
	CodeInvalidParams = -32602
	CodeInternalError = -32603

	CodeNotFound        = -32001
	CodeAlreadyExists   = -32002
	CodeUnauthorized    = -32003
	CodeConflict        = -32004
	CodeTimeout         = -32005
	CodeBackpressure    = -32006
	CodeCancelled       = -32007
	CodeAlreadyWatching = -32008
)

// Error is an MCP protocol error with a JSON-RPC code.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

// InvalidParams builds a validation error without an underlying cause.
func InvalidParams(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf(format, args...), Kind: string(errors.KindValidation)}
}

// MapError converts a domain error to its protocol shape. The kind
// travels along so clients can branch without parsing messages.
func MapError(err error) *Error {
	if err == nil {
		return nil
	}
	kind := errors.KindOf(err)
	code := CodeInternalError
	switch kind {
	case errors.KindValidation:
		code = CodeInvalidParams
	case errors.KindNotFound:
		code = CodeNotFound
	case errors.KindAlreadyExists:
		code = CodeAlreadyExists
	case errors.KindAlreadyWatching:
		code = CodeAlreadyWatching
	case errors.KindUnauthorized:
		code = CodeUnauthorized
	case errors.KindConflict:
		code = CodeConflict
	case errors.KindTimeout:
		code = CodeTimeout
	case errors.KindBackpressure:
		code = CodeBackpressure
	case errors.KindCancelled:
		code = CodeCancelled
	}
	return &Error{Code: code, Message: err.Error(), Kind: string(kind)}
}
