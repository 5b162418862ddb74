package cbv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apierrors "cbvkit/internal/errors"
)

// Encoding selects how WebSocketBase decodes inbound messages
type Encoding string

const (
	// EncodingNone passes text frames as string and binary frames as []byte
	EncodingNone Encoding = ""
	// EncodingText accepts text frames only
	EncodingText Encoding = "text"
	// EncodingBytes accepts binary frames only
	EncodingBytes Encoding = "bytes"
	// EncodingJSON decodes every frame as JSON
	EncodingJSON Encoding = "json"
)

var (
	// ErrNotAccepted is returned when a session is used before the
	// connection was accepted.
	ErrNotAccepted = errors.New("websocket connection not accepted")
	// ErrUnsupportedData is returned when a frame does not match the
	// view's encoding. The connection is closed with 1003 first.
	ErrUnsupportedData = errors.New("unsupported websocket data")
	errUpgradeFailed   = errors.New("websocket upgrade failed")
)

// WebSocketEndpoint is implemented by every view that embeds WebSocketBase.
// Views override the hooks they need; the base provides the defaults.
type WebSocketEndpoint interface {
	// OnConnect runs before the receive loop. The default accepts the connection.
	OnConnect(ctx context.Context) error
	// OnReceive handles one decoded message
	OnReceive(ctx context.Context, data any) error
	// OnDisconnect runs exactly once when the session ends
	OnDisconnect(ctx context.Context, code int) error

	base() *WebSocketBase
}

// WebSocketBase is embedded by WebSocket views. The Encoding set on the
// prototype is copied into every instance.
type WebSocketBase struct {
	Encoding Encoding

	conn      Connection
	w         http.ResponseWriter
	r         *http.Request
	upgrader  *websocket.Upgrader
	readLimit int64
	writeWait time.Duration
	logger    *slog.Logger
	metrics   *Metrics
	path      string
	sessionID string

	writeMu   sync.Mutex
	closeSent bool
}

func (b *WebSocketBase) base() *WebSocketBase {
	return b
}

// OnConnect accepts the connection
func (b *WebSocketBase) OnConnect(ctx context.Context) error {
	return b.Accept()
}

// OnReceive ignores the message
func (b *WebSocketBase) OnReceive(ctx context.Context, data any) error {
	return nil
}

// OnDisconnect does nothing
func (b *WebSocketBase) OnDisconnect(ctx context.Context, code int) error {
	return nil
}

// Attach sets an already open connection and applies the configured read
// limit. Accept becomes a no-op.
func (b *WebSocketBase) Attach(conn Connection) {
	if b.readLimit > 0 {
		conn.SetReadLimit(b.readLimit)
	}
	b.conn = conn
	if b.sessionID == "" {
		b.sessionID = uuid.New().String()
	}
}

// Accept upgrades the HTTP request to a WebSocket connection
func (b *WebSocketBase) Accept() error {
	if b.conn != nil {
		return nil
	}
	if b.w == nil || b.r == nil {
		return ErrNotAccepted
	}

	upgrader := b.upgrader
	if upgrader == nil {
		upgrader = &websocket.Upgrader{}
	}

	conn, err := upgrader.Upgrade(b.w, b.r, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", errUpgradeFailed, err)
	}
	b.Attach(NewConnectionWrapper(conn))
	return nil
}

// Conn returns the connection, nil before Accept
func (b *WebSocketBase) Conn() Connection {
	return b.conn
}

// Request returns the upgrade request
func (b *WebSocketBase) Request() *http.Request {
	return b.r
}

// SessionID identifies the connection in logs
func (b *WebSocketBase) SessionID() string {
	return b.sessionID
}

// SendText writes a text frame
func (b *WebSocketBase) SendText(text string) error {
	return b.write(websocket.TextMessage, []byte(text))
}

// SendBytes writes a binary frame
func (b *WebSocketBase) SendBytes(data []byte) error {
	return b.write(websocket.BinaryMessage, data)
}

// SendJSON writes v as a JSON text frame
func (b *WebSocketBase) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.write(websocket.TextMessage, data)
}

// Close sends a close frame with code. Only the first call sends a frame.
func (b *WebSocketBase) Close(code int, reason string) error {
	b.writeMu.Lock()
	if b.closeSent {
		b.writeMu.Unlock()
		return nil
	}
	b.closeSent = true
	b.writeMu.Unlock()

	return b.write(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

func (b *WebSocketBase) write(messageType int, data []byte) error {
	if b.conn == nil {
		return ErrNotAccepted
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	if b.writeWait > 0 {
		if err := b.conn.SetWriteDeadline(time.Now().Add(b.writeWait)); err != nil {
			return err
		}
	}
	if err := b.conn.WriteMessage(messageType, data); err != nil {
		return err
	}
	if messageType != websocket.CloseMessage {
		b.metrics.message(context.Background(), b.path, "out")
	}
	return nil
}

// Decode converts a frame according to Encoding. Frames the encoding does
// not accept close the connection with 1003 and return ErrUnsupportedData.
func (b *WebSocketBase) Decode(messageType int, data []byte) (any, error) {
	switch b.Encoding {
	case EncodingText:
		if messageType != websocket.TextMessage {
			return nil, b.reject("expected text websocket messages, but got bytes")
		}
		return string(data), nil

	case EncodingBytes:
		if messageType != websocket.BinaryMessage {
			return nil, b.reject("expected bytes websocket messages, but got text")
		}
		return data, nil

	case EncodingJSON:
		var v any
		if err := render.DecodeJSON(bytes.NewReader(data), &v); err != nil {
			return nil, b.reject("malformed JSON data received")
		}
		return v, nil

	default:
		if messageType == websocket.BinaryMessage {
			return data, nil
		}
		return string(data), nil
	}
}

func (b *WebSocketBase) reject(msg string) error {
	_ = b.Close(websocket.CloseUnsupportedData, "")
	return fmt.Errorf("%w: %s", ErrUnsupportedData, msg)
}

func (b *WebSocketBase) log() *slog.Logger {
	if b.logger != nil {
		return b.logger
	}
	return slog.Default()
}

// Serve runs one session of ep: OnConnect, then the receive loop, then
// OnDisconnect. Once OnConnect has succeeded OnDisconnect runs exactly once
// however the loop ends. A close frame ends the loop with the peer's code.
// A frame over the read limit ends it with 1009. Other read failures end it
// with 1006. An error from Decode or OnReceive
// ends it with 1011 and is returned after OnDisconnect. A panic is
// re-raised after OnDisconnect(1011).
func Serve(ctx context.Context, ep WebSocketEndpoint) (err error) {
	b := ep.base()

	if err := ep.OnConnect(ctx); err != nil {
		return err
	}

	code := websocket.CloseNormalClosure
	connected := b.conn != nil
	if connected {
		b.metrics.connectionOpened(ctx, b.path)
		b.log().InfoContext(ctx, "websocket connected",
			slog.String("session_id", b.sessionID),
			slog.String("remote_addr", b.conn.RemoteAddr()),
		)
	}

	defer func() {
		rec := recover()
		if rec != nil {
			code = websocket.CloseInternalServerErr
		}

		if derr := ep.OnDisconnect(ctx, code); derr != nil {
			err = errors.Join(err, fmt.Errorf("on disconnect: %w", derr))
		}

		if code == websocket.CloseInternalServerErr {
			b.metrics.sessionError(ctx, b.path, code)
		}
		if connected {
			b.metrics.connectionClosed(ctx, b.path)
			b.log().InfoContext(ctx, "websocket disconnected",
				slog.String("session_id", b.sessionID),
				slog.Int("close_code", code),
			)
		}

		if rec != nil {
			panic(rec)
		}
	}()

	if b.conn == nil {
		code = websocket.CloseInternalServerErr
		return ErrNotAccepted
	}

	for {
		messageType, data, rerr := b.conn.ReadMessage()
		if rerr != nil {
			var closeErr *websocket.CloseError
			switch {
			case errors.As(rerr, &closeErr):
				code = closeErr.Code
			case errors.Is(rerr, websocket.ErrReadLimit):
				code = websocket.CloseMessageTooBig
			default:
				code = websocket.CloseAbnormalClosure
			}
			return nil
		}
		b.metrics.message(ctx, b.path, "in")

		value, derr := b.Decode(messageType, data)
		if derr != nil {
			code = websocket.CloseInternalServerErr
			return derr
		}
		if herr := ep.OnReceive(ctx, value); herr != nil {
			code = websocket.CloseInternalServerErr
			return herr
		}
	}
}

// WebSocketOption configures the route built by WebSocket
type WebSocketOption func(*wsOptions)

type wsOptions struct {
	class   []ClassOption
	methods []MethodOption
}

// WithClassOptions passes constructor options to the view rewrite
func WithClassOptions(opts ...ClassOption) WebSocketOption {
	return func(o *wsOptions) {
		o.class = append(o.class, opts...)
	}
}

// WithRouteOptions passes route metadata options
func WithRouteOptions(opts ...MethodOption) WebSocketOption {
	return func(o *wsOptions) {
		o.methods = append(o.methods, opts...)
	}
}

// WebSocket registers the WebSocket view behind proto at path. The view
// must embed WebSocketBase. Its constructor is rewritten and becomes the
// default of the route's view parameter, so a fresh view is built per
// connection.
func WebSocket(router *Router, path string, proto any, opts ...WebSocketOption) (*Class, error) {
	if router == nil {
		return nil, configError(ErrMissingRouter, "websocket view %T: nil router", proto)
	}
	if path == "" || !strings.HasPrefix(path, "/") {
		return nil, configError(ErrMissingPath, "websocket view %T: invalid path %q", proto, path)
	}

	t := reflect.TypeOf(proto)
	if t == nil || t.Kind() != reflect.Pointer || t.Elem().Kind() != reflect.Struct {
		return nil, configError(ErrInvalidView, "websocket view %T must be a pointer to a struct", proto)
	}
	if !embedsBase(t.Elem()) {
		return nil, configError(ErrMissingEndpoint, "websocket view %s", t.Elem().Name())
	}

	o := &wsOptions{}
	for _, opt := range opts {
		opt(o)
	}

	class, err := RewriteConstructor(proto, o.class...)
	if err != nil {
		return nil, err
	}

	ep := &Endpoint{
		Name:     class.Type.String(),
		View:     class.Type,
		IsMethod: true,
		signature: Signature{Params: []Param{{
			Name: "self",
			Kind: PositionalOrKeyword,
			Type: reflect.PointerTo(class.Type),
		}}},
	}
	ep.link(class.Constructor())

	route := router.newRoute(path, "websocket", o.methods)
	route.Kind = KindWebSocket
	route.Method = ""
	route.Endpoint = ep
	if route.Name == "" {
		route.Name = class.Name
	}

	router.add(route)
	router.logger.Debug("websocket route registered",
		slog.String("path", path),
		slog.String("view", class.Name),
	)
	return class, nil
}

// MustWebSocket is like WebSocket but panics on error
func MustWebSocket(router *Router, path string, proto any, opts ...WebSocketOption) *Class {
	class, err := WebSocket(router, path, proto, opts...)
	if err != nil {
		panic(err)
	}
	return class
}

func embedsBase(t reflect.Type) bool {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.Anonymous && sf.Type == baseType {
			return true
		}
	}
	return false
}

// serveWebSocket builds the view, then runs its session. It returns the
// status used for route metrics.
func (rt *Route) serveWebSocket(w http.ResponseWriter, r *http.Request, span trace.Span) int {
	router := rt.router

	marker, ok := rt.Endpoint.Self().Marker()
	if !ok {
		router.fail(w, r, span, apierrors.ErrViewNotBound)
		return http.StatusInternalServerError
	}

	scope := router.injector.Scope(w, r)
	for _, dep := range rt.Dependencies {
		if _, err := scope.Resolve(dep); err != nil {
			router.fail(w, r, span, err)
			return router.errorHandler.ErrorToProblem(err, r).Status
		}
	}

	view, err := scope.ResolveValue(marker)
	if err != nil {
		router.fail(w, r, span, err)
		return router.errorHandler.ErrorToProblem(err, r).Status
	}

	ep, ok := view.Interface().(WebSocketEndpoint)
	if !ok {
		router.fail(w, r, span, apierrors.ErrViewNotBound)
		return http.StatusInternalServerError
	}

	b := ep.base()
	b.w, b.r = w, r
	b.upgrader = router.upgrader
	b.readLimit = router.wsReadLimit
	b.writeWait = router.wsWriteWait
	b.metrics = router.metrics
	b.path = rt.Path
	b.sessionID = uuid.New().String()
	b.logger = router.logger.With(slog.String("path", rt.Path))
	span.SetAttributes(attribute.String("cbv.session_id", b.sessionID))

	defer func() {
		if b.conn != nil {
			_ = b.conn.Close()
		}
	}()

	err = Serve(r.Context(), ep)

	if b.conn == nil {
		switch {
		case errors.Is(err, errUpgradeFailed):
			// The upgrader has already answered the handshake.
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			b.log().Warn("websocket upgrade failed", slog.String("error", err.Error()))
			return http.StatusBadRequest
		case err != nil:
			router.fail(w, r, span, err)
			return router.errorHandler.ErrorToProblem(err, r).Status
		}
		return http.StatusSwitchingProtocols
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.log().Error("websocket session failed", slog.String("error", err.Error()))
		_ = b.Close(websocket.CloseInternalServerErr, "")
	}
	return http.StatusSwitchingProtocols
}
