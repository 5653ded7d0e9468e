//go:build !linux

package replay

import (
	"context"
	"errors"

	"go.einride.tech/can"
)

var ErrSocketCANUnsupported = errors.New("replay: SocketCAN is only available on linux")

type SocketCANWriter struct{}

func DialSocketCAN(ctx context.Context, iface string) (*SocketCANWriter, error) {
	return nil, ErrSocketCANUnsupported
}

func (w *SocketCANWriter) WriteFrame(ctx context.Context, frame can.Frame) error {
	return ErrSocketCANUnsupported
}

func (w *SocketCANWriter) Close() error {
	return nil
}
