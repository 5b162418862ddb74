package views

import (
	"context"
	"fmt"
	"log/slog"

	"cbvkit/pkg/cbv"
)

// EchoView answers every text message with a prefixed copy
type EchoView struct {
	cbv.WebSocketBase

	Prefix string       `cbv:"param"`
	Logger *slog.Logger `cbv:"depends=logger"`

	received int
}

// OnReceive echoes data back to the client
func (v *EchoView) OnReceive(ctx context.Context, data any) error {
	v.received++
	return v.SendText(fmt.Sprintf("%s%v", v.Prefix, data))
}

// OnDisconnect logs how many messages the session handled
func (v *EchoView) OnDisconnect(ctx context.Context, code int) error {
	v.Logger.DebugContext(ctx, "echo session finished",
		slog.String("session_id", v.SessionID()),
		slog.Int("messages", v.received),
		slog.Int("close_code", code),
	)
	return nil
}

// NewEchoRouter registers EchoView at /ws
func NewEchoRouter(opts ...cbv.RouterOption) (*cbv.Router, error) {
	router := cbv.NewRouter("/", "Echo", opts...)
	proto := &EchoView{Prefix: "Message text was: "}
	proto.Encoding = cbv.EncodingText
	if _, err := cbv.WebSocket(router, "/ws", proto); err != nil {
		return nil, err
	}
	return router, nil
}
