/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package fnrpc

import (
	"fmt"
	"net/http"
)

// ErrorHeader is the out-of-band marker telling the receiver, before any
// body decode, whether the body is a success value, an application error
// in the function's codec, or a framework error in JSON.
const ErrorHeader = "X-Fn-Error"

const (
	MarkerApplication = "application"
	MarkerFramework   = "framework"
)

// ErrorKind classifies framework-level failures. Application errors never
// use this space and framework errors never carry application payloads.
type ErrorKind string

const (
	ErrNotFound      ErrorKind = "not_found"
	ErrDecode        ErrorKind = "decode_error"
	ErrBadRequest    ErrorKind = "bad_request"
	ErrInternalFault ErrorKind = "internal_fault"
)

func (t ErrorKind) HTTPStatus() int {
	switch t {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrDecode:
		return http.StatusBadRequest
	case ErrBadRequest:
		return http.StatusBadRequest
	case ErrInternalFault:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// AppError is an application-domain failure crossing the boundary with
// type fidelity. It is encoded through the function's own codec, marked
// application in the error header.
type AppError struct {
	Code    string            `json:"code" url:"code"`
	Message string            `json:"message" url:"message"`
	Detail  map[string]string `json:"detail,omitempty" url:"-"`
}

func (t *AppError) Error() string {
	if t.Code != "" {
		return fmt.Sprintf("%s: %s", t.Code, t.Message)
	}
	return t.Message
}

// FrameworkError is a dispatch-layer failure: missing route, decode
// failure, recovered fault. Always encoded as JSON regardless of the
// function's codec so a broken codec cannot mask its own failure report.
type FrameworkError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (t *FrameworkError) Error() string {
	return fmt.Sprintf("%s: %s", t.Kind, t.Message)
}

func Frameworkf(kind ErrorKind, format string, args ...any) *FrameworkError {
	return &FrameworkError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// TransportError is a connection-level failure: dial, timeout, mid-stream
// disconnect. Never conflated with application errors so retry logic can
// target it specifically.
type TransportError struct {
	Op  string
	Err error
}

func (t *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", t.Op, t.Err)
}

func (t *TransportError) Unwrap() error {
	return t.Err
}

func Transport(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}
