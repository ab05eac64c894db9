/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package fnserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"runtime/debug"

	"github.com/codeallergy/fn-rpc/fnrpc"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const maxBufferedBody = 64 << 20

// Dispatcher resolves inbound requests against the frozen registry,
// decodes, invokes and encodes. It implements http.Handler; the host
// mounts it under fnrpc.PathPrefix and keeps routing to itself.
type Dispatcher struct {
	registry       *Registry
	logger         *zap.Logger
	upgrader       websocket.Upgrader
	streamQueueCap int
}

type Option func(*Dispatcher)

func WithLogger(logger *zap.Logger) Option {
	return func(t *Dispatcher) {
		t.logger = logger
	}
}

func WithStreamQueueCap(n int) Option {
	return func(t *Dispatcher) {
		t.streamQueueCap = n
	}
}

// WithCheckOrigin overrides the upgrade origin policy for streamed
// calls; the default only admits same-origin browsers.
func WithCheckOrigin(check func(r *http.Request) bool) Option {
	return func(t *Dispatcher) {
		t.upgrader.CheckOrigin = check
	}
}

func NewDispatcher(registry *Registry, opts ...Option) *Dispatcher {
	t := &Dispatcher{
		registry:       registry,
		logger:         zap.NewNop(),
		streamQueueCap: DefaultStreamQueueCap,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {

	d, ok := t.registry.Resolve(r.URL.Path)
	if !ok {
		t.writeFramework(w, fnrpc.Frameworkf(fnrpc.ErrNotFound, "no function at %s", r.URL.Path), 0)
		return
	}

	if d.Output == ShapeStreamed {
		t.serveStream(w, r, d)
		return
	}

	if r.Method != d.Method {
		t.writeFramework(w,
			fnrpc.Frameworkf(fnrpc.ErrBadRequest, "%s requires %s, got %s", d.Name, d.Method, r.Method),
			http.StatusMethodNotAllowed)
		return
	}

	args, err := readArgs(r, d)
	if err != nil {
		t.writeFramework(w, fnrpc.Frameworkf(fnrpc.ErrBadRequest, "read request of %s: %v", d.Name, err), 0)
		return
	}

	out, err := t.invoke(r.Context(), d, args)
	if err != nil {
		t.writeError(w, d, err)
		return
	}

	codec := mustCodec(d.Codec)
	w.Header().Set("Content-Type", codec.ContentType())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out); err != nil {
		t.logger.Warn("response write failed", zap.String("fn", d.Name), zap.Error(err))
	}
}

// invoke runs the erased handler with panic containment: one failing
// call never takes down the dispatch loop.
func (t *Dispatcher) invoke(ctx context.Context, d *Descriptor, args []byte) (out []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			t.logger.Error("handler fault",
				zap.String("fn", d.Name),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			out = nil
			err = fnrpc.Frameworkf(fnrpc.ErrInternalFault, "internal fault in %s", d.Name)
		}
	}()
	return d.handle(ctx, args)
}

func readArgs(r *http.Request, d *Descriptor) ([]byte, error) {
	if d.Method == http.MethodGet {
		return []byte(r.URL.RawQuery), nil
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBufferedBody))
	if err != nil {
		return nil, err
	}
	return data, nil
}

// writeError maps a handler error onto the wire convention: framework
// errors keep their own marker space, anything else the handler reports
// is an application error carried in the function's codec.
func (t *Dispatcher) writeError(w http.ResponseWriter, d *Descriptor, err error) {

	var fw *fnrpc.FrameworkError
	if errors.As(err, &fw) {
		t.writeFramework(w, fw, 0)
		return
	}

	appErr := asAppError(err)
	codec := mustCodec(d.Codec)
	payload, mErr := codec.Marshal(appErr)
	if mErr != nil {
		t.writeFramework(w, fnrpc.Frameworkf(fnrpc.ErrInternalFault, "encode error of %s: %v", d.Name, mErr), 0)
		return
	}

	w.Header().Set("Content-Type", codec.ContentType())
	w.Header().Set(fnrpc.ErrorHeader, fnrpc.MarkerApplication)
	w.WriteHeader(http.StatusInternalServerError)
	if _, err := w.Write(payload); err != nil {
		t.logger.Warn("error response write failed", zap.String("fn", d.Name), zap.Error(err))
	}
}

func (t *Dispatcher) writeFramework(w http.ResponseWriter, fw *fnrpc.FrameworkError, status int) {
	if status == 0 {
		status = fw.Kind.HTTPStatus()
	}
	t.logger.Debug("framework error", zap.String("kind", string(fw.Kind)), zap.String("message", fw.Message))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(fnrpc.ErrorHeader, fnrpc.MarkerFramework)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(fw)
}

func asAppError(err error) *fnrpc.AppError {
	var appErr *fnrpc.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return &fnrpc.AppError{Code: "internal", Message: err.Error()}
}
