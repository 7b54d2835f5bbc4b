// Package logctx decorates slog records with transport, session, and RPC
// attributes carried on the context, so call sites log once and every record
// in the same call tree picks up the shared identifiers.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps another slog.Handler and enriches each record from context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if td, ok := ctx.Value(transportDataKey{}).(*TransportData); ok {
		r.AddAttrs(slog.Group("transport",
			slog.String("kind", td.Kind),
			slog.String("target", td.Target),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("last_event_id", sd.LastEventID),
		))
	}

	if msg, ok := ctx.Value(rpcMsgKey{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
			slog.String("type", msg.Type),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type transportDataKey struct{}

// TransportData identifies the transport a log record belongs to. Target is
// the command for process transports and the base URL for HTTP transports.
type TransportData struct {
	Kind   string
	Target string
}

func WithTransportData(ctx context.Context, data *TransportData) context.Context {
	return context.WithValue(ctx, transportDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID   string
	LastEventID string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type rpcMsgKey struct{}

type RPCMessage struct {
	Method string
	ID     string
	Type   string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsgKey{}, msg)
}
