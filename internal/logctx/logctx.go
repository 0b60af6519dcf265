// Package logctx enriches slog records with transport context carried on
// the request context.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps another slog.Handler and appends attribute groups for any
// transport context present on the record's context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("pattern", rd.Pattern),
			slog.String("channel", rd.Channel),
		))
	}

	if sd, ok := ctx.Value(streamDataKey{}).(*StreamData); ok {
		r.AddAttrs(slog.Group("stream",
			slog.Int64("last_event_id", sd.LastEventID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

// RequestData identifies one logical request on the correlation transport.
type RequestData struct {
	RequestID string
	Pattern   string
	Channel   string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type streamDataKey struct{}

// StreamData identifies one streamed response.
type StreamData struct {
	LastEventID int64
}

func WithStreamData(ctx context.Context, data *StreamData) context.Context {
	return context.WithValue(ctx, streamDataKey{}, data)
}
