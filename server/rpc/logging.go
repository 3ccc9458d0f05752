package rpc

import (
	"context"
	"log/slog"
	"time"

	"connectrpc.com/connect"
)

// LoggingInterceptor returns a connect.UnaryInterceptorFunc that logs RPC calls
// to logger, or to slog.Default() when logger is nil.
func LoggingInterceptor(logger *slog.Logger) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			log := logger
			if log == nil {
				log = slog.Default()
			}

			start := time.Now()
			procedure := req.Spec().Procedure

			resp, err := next(ctx, req)

			duration := time.Since(start)
			attrs := []any{
				"procedure", procedure,
				"peer", req.Peer().Addr,
				"duration_ms", duration.Milliseconds(),
			}

			if err != nil {
				attrs = append(attrs, "code", connect.CodeOf(err).String(), "error", err.Error())
				log.Error("rpc call failed", attrs...)
			} else {
				log.Info("rpc call", attrs...)
			}

			return resp, err
		}
	}
}
