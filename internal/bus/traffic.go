package bus

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"example.com/busmaster/internal/common"
	"example.com/busmaster/internal/mdf"
)

var (
	ErrFileNotFound  = errors.New("file not found")
	ErrNotMdfFile    = errors.New("not an MDF file")
	ErrMetadataRead  = errors.New("failed to read MDF metadata")
	ErrDataBlockRead = errors.New("failed to read MDF data block")
)

// TrafficGenerator loads the CAN data frames of an MDF bus-logging file into
// a timestamp ordered, randomly accessible list.
//
// It is not safe for concurrent use. Enable runs the whole parse on the
// calling goroutine.
type TrafficGenerator struct {
	OperableStatus

	Filename string
	Filter   ChannelGroupFilter
	Logger   common.Logger
	Metrics  *common.Metrics

	// Open and IsMdfFile default to the MDF 4 reader.
	Open      OpenFunc
	IsMdfFile func(path string) bool

	startTime    int64
	messages     []BusMessage
	decodeErrors int
	lastErr      error
}

func NewTrafficGenerator(filename string) *TrafficGenerator {
	return &TrafficGenerator{
		Filename: filename,
		Filter:   NewChannelGroupFilter(),
		Logger:   common.DefaultLogger(),
	}
}

// Enable with true reparses the file from scratch. On any failure the
// generator ends disabled, not operable and empty; the cause is logged and
// kept for LastError. Enable with false clears everything.
func (g *TrafficGenerator) Enable(enable bool) {
	g.setStatus(false, false)
	g.messages = nil
	g.startTime = 0
	g.decodeErrors = 0
	g.lastErr = nil
	if !enable {
		return
	}
	if err := g.load(); err != nil {
		g.messages = nil
		g.decodeErrors = 0
		g.lastErr = err
		g.logger().Printf("traffic generator: %s: %v", g.Filename, err)
		return
	}
	g.setStatus(true, true)
}

// load recovers a panic of the decode path into ErrDataBlockRead.
func (g *TrafficGenerator) load() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrDataBlockRead, r)
		}
	}()
	if err := g.check(); err != nil {
		return err
	}
	open := g.Open
	if open == nil {
		open = OpenMdfFile
		if g.Metrics != nil {
			open = OpenMdfFileWithMetrics(g.Metrics)
		}
	}
	file, err := open(g.Filename)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMetadataRead, err)
	}
	defer file.Close()

	if err := file.ReadEverythingButData(); err != nil {
		return fmt.Errorf("%w: %v", ErrMetadataRead, err)
	}
	start, ok := file.StartTime()
	if !ok {
		return fmt.Errorf("%w: no header block", ErrMetadataRead)
	}
	groups := file.DataGroups()
	if len(groups) == 0 {
		return fmt.Errorf("%w: no data groups", ErrMetadataRead)
	}
	g.startTime = int64(start)

	for index, dg := range groups {
		if dg == nil {
			continue
		}
		observers := 0
		for _, cg := range dg.ChannelGroups() {
			if !g.Filter.Eligible(cg) {
				continue
			}
			if err := dg.AttachCanObserver(cg, g.onCanMessage); err != nil {
				dg.DetachAll()
				return fmt.Errorf("%w: data group %d: %v", ErrDataBlockRead, index, err)
			}
			observers++
		}
		if observers == 0 {
			continue
		}
		err := file.ReadData(dg)
		g.decodeErrors += dg.DecodeErrors()
		dg.DetachAll()
		if err != nil {
			return fmt.Errorf("%w: data group %d: %v", ErrDataBlockRead, index, err)
		}
	}
	sort.SliceStable(g.messages, func(i, j int) bool {
		return g.messages[i].Timestamp() < g.messages[j].Timestamp()
	})
	if g.decodeErrors > 0 {
		g.logger().Printf("traffic generator: %s: stored %d CAN messages, skipped %d undecodable records", g.Filename, len(g.messages), g.decodeErrors)
		return nil
	}
	g.logger().Printf("traffic generator: %s: stored %d CAN messages", g.Filename, len(g.messages))
	return nil
}

func (g *TrafficGenerator) check() error {
	if g.Filename == "" {
		return fmt.Errorf("%w: empty filename", ErrFileNotFound)
	}
	info, err := os.Stat(g.Filename)
	if err != nil || info.IsDir() {
		return fmt.Errorf("%w: %s", ErrFileNotFound, g.Filename)
	}
	isMdf := g.IsMdfFile
	if isMdf == nil {
		isMdf = mdf.IsMdfFile
	}
	if !isMdf(g.Filename) {
		return ErrNotMdfFile
	}
	return nil
}

// onCanMessage keeps data frames and drops every other frame type.
func (g *TrafficGenerator) onCanMessage(relSeconds float64, msg mdf.CanMessage) bool {
	if msg.Type != mdf.CanDataFrame {
		if g.Metrics != nil {
			g.Metrics.AddDropped()
		}
		return true
	}
	frame := NewCanDataFrame(AbsoluteTime(g.startTime, relSeconds), CanFields{
		BusChannel:    msg.BusChannel,
		MessageID:     msg.MessageID,
		CanID:         msg.CanID,
		ExtendedID:    msg.ExtendedID,
		Dlc:           msg.Dlc,
		Crc:           msg.Crc,
		DataLength:    msg.DataLength,
		DataBytes:     msg.DataBytes,
		Direction:     Direction(msg.Dir),
		Srr:           msg.Srr,
		Edl:           msg.Edl,
		Brs:           msg.Brs,
		Esi:           msg.Esi,
		Rtr:           msg.Rtr,
		WakeUp:        msg.WakeUp,
		SingleWire:    msg.SingleWire,
		R0:            msg.R0,
		R1:            msg.R1,
		FrameDuration: msg.FrameDuration,
	})
	g.messages = append(g.messages, frame)
	if g.Metrics != nil {
		g.Metrics.AddMessage()
	}
	return true
}

// AbsoluteTime adds a relative time in seconds, possibly negative, to a start
// time in ns. The conversion rounds half to even.
func AbsoluteTime(startTime int64, relSeconds float64) int64 {
	return startTime + int64(math.RoundToEven(relSeconds*1e9))
}

func (g *TrafficGenerator) logger() common.Logger {
	if g.Logger == nil {
		return common.Discard
	}
	return g.Logger
}

// StartTime is the header start time of the last successful parse.
func (g *TrafficGenerator) StartTime() int64 {
	return g.startTime
}

// FirstTime is the timestamp of the earliest message, 0 when empty.
func (g *TrafficGenerator) FirstTime() int64 {
	if len(g.messages) == 0 {
		return 0
	}
	return g.messages[0].Timestamp()
}

func (g *TrafficGenerator) NofMessages() int {
	return len(g.messages)
}

// GetMessage returns nil when index is out of range.
func (g *TrafficGenerator) GetMessage(index int) BusMessage {
	if index < 0 || index >= len(g.messages) {
		return nil
	}
	return g.messages[index]
}

// Messages returns the ordered messages. The slice is a copy; the messages
// themselves are immutable.
func (g *TrafficGenerator) Messages() []BusMessage {
	return append([]BusMessage(nil), g.messages...)
}

// DecodeErrors is the number of records of the last successful parse that
// could not be decoded and were skipped.
func (g *TrafficGenerator) DecodeErrors() int {
	return g.decodeErrors
}

// LastError is the cause of the last failed Enable(true), nil otherwise.
func (g *TrafficGenerator) LastError() error {
	return g.lastErr
}
