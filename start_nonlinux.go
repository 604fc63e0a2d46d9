//go:build !linux

package rio

import (
	"context"

	"github.com/legamerdc/rio/httpserver"
)

func ListenAndServe(ctx context.Context, addr string, h httpserver.Handler) error {
	return ErrPlatformNotSupported
}

func Serve(ctx context.Context, cfg httpserver.Config, h httpserver.Handler) error {
	return ErrPlatformNotSupported
}
