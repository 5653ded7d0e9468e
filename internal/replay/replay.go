// Package replay sends the messages of a traffic generator to a CAN
// interface, keeping their original spacing.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.einride.tech/can"

	"example.com/busmaster/internal/bus"
	"example.com/busmaster/internal/common"
)

var ErrNoWriter = errors.New("replay: no frame writer")

// FrameWriter transmits one CAN frame.
type FrameWriter interface {
	WriteFrame(ctx context.Context, frame can.Frame) error
}

// Stats summarizes a replay run.
type Stats struct {
	Sent     int
	Skipped  int
	Duration time.Duration
}

// Replayer writes bus messages in timestamp order, sleeping the gap between
// consecutive messages divided by Speed. A Speed of 0 sends without delay.
type Replayer struct {
	Writer  FrameWriter
	Speed   float64
	Filter  func(msg bus.BusMessage) bool
	Logger  common.Logger
	Metrics *common.Metrics

	sleep func(ctx context.Context, d time.Duration) error
}

func NewReplayer(w FrameWriter, speed float64) *Replayer {
	return &Replayer{Writer: w, Speed: speed, Logger: common.DefaultLogger()}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Replay sends messages until the list ends or ctx is done. Messages that do
// not fit a classic CAN frame are skipped and counted.
func (r *Replayer) Replay(ctx context.Context, messages []bus.BusMessage) (Stats, error) {
	var stats Stats
	if r.Writer == nil {
		return stats, ErrNoWriter
	}
	sleep := r.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	logger := r.Logger
	if logger == nil {
		logger = common.Discard
	}
	began := time.Now()
	defer func() { stats.Duration = time.Since(began) }()

	var prev int64
	first := true
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		if r.Filter != nil && !r.Filter(msg) {
			continue
		}
		frame, ok := ToFrame(msg)
		if !ok {
			stats.Skipped++
			if r.Metrics != nil {
				r.Metrics.AddDropped()
			}
			continue
		}
		if !first && r.Speed > 0 {
			gap := time.Duration(float64(msg.Timestamp()-prev) / r.Speed)
			if err := sleep(ctx, gap); err != nil {
				return stats, err
			}
		} else if err := ctx.Err(); err != nil {
			return stats, err
		}
		first = false
		prev = msg.Timestamp()
		if err := r.Writer.WriteFrame(ctx, frame); err != nil {
			return stats, fmt.Errorf("replay: frame %d: %w", stats.Sent, err)
		}
		stats.Sent++
		if r.Metrics != nil {
			r.Metrics.AddMessage()
		}
	}
	logger.Printf("replay: sent %d frames, skipped %d", stats.Sent, stats.Skipped)
	return stats, nil
}

// ToFrame converts a CAN data frame with at most 8 payload bytes.
func ToFrame(msg bus.BusMessage) (can.Frame, bool) {
	df, ok := msg.(*bus.CanDataFrame)
	if !ok {
		return can.Frame{}, false
	}
	data := df.DataBytes()
	if len(data) > can.MaxDataLength {
		return can.Frame{}, false
	}
	frame := can.Frame{
		ID:         df.CanID(),
		Length:     uint8(len(data)),
		IsExtended: df.ExtendedID(),
		IsRemote:   df.Rtr(),
	}
	copy(frame.Data[:], data)
	if err := frame.Validate(); err != nil {
		return can.Frame{}, false
	}
	return frame, true
}

// CandumpWriter prints frames in candump's compact "ID#DATA" notation.
type CandumpWriter struct {
	w     io.Writer
	iface string
}

func NewCandumpWriter(w io.Writer, iface string) *CandumpWriter {
	return &CandumpWriter{w: w, iface: iface}
}

func (c *CandumpWriter) WriteFrame(ctx context.Context, frame can.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(c.w, "%s %s\n", c.iface, frame.String())
	return err
}
