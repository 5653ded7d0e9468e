package bus

import (
	"errors"
	"fmt"
	"strings"

	"example.com/busmaster/internal/common"
	"example.com/busmaster/internal/mdf"
)

type DestinationType int

const (
	DestinationUnknown DestinationType = iota
	DestinationMdf
)

var destinationTypeNames = []string{"Unknown", "MDF Bus Logger"}

func (t DestinationType) String() string {
	if t >= 0 && int(t) < len(destinationTypeNames) {
		return destinationTypeNames[t]
	}
	return destinationTypeNames[0]
}

func DestinationTypeFromString(name string) DestinationType {
	for i, typeName := range destinationTypeNames {
		if strings.EqualFold(typeName, name) {
			return DestinationType(i)
		}
	}
	return DestinationUnknown
}

var (
	ErrNotStarted    = errors.New("destination not started")
	ErrNoDestination = errors.New("destination has no output file")
)

// Destination consumes bus traffic. The MDF bus logger collects CAN data
// frames while started and writes them as an MDF 4 file on Stop.
type Destination struct {
	OperableStatus

	Name        string
	Description string
	Filename    string
	// Compress stores the logged records in ##DZ blocks.
	Compress bool

	typ     DestinationType
	started bool
	writer  *mdf.Writer
	start   int64
	hasTime bool
	skipped int
	logger  common.Logger
}

func NewDestination(typ DestinationType, logger common.Logger) *Destination {
	if logger == nil {
		logger = common.Discard
	}
	d := &Destination{typ: typ, logger: logger}
	d.enabled = true
	return d
}

func (d *Destination) Type() DestinationType {
	return d.typ
}

func (d *Destination) Enable(enable bool) {
	d.enabled = enable
	if !enable {
		d.operable = false
	}
}

func (d *Destination) Start() {
	d.started = false
	d.operable = false
	d.writer = nil
	d.hasTime = false
	d.skipped = 0
	if !d.enabled {
		return
	}
	if d.typ == DestinationMdf {
		if d.Filename == "" {
			d.logger.Printf("destination %s: %v", d.Name, ErrNoDestination)
			return
		}
		d.writer = mdf.NewWriter(0)
		if d.Name != "" {
			d.writer.BusName = d.Name
		}
		d.writer.Compress = d.Compress
	}
	d.started = true
	d.operable = true
}

// Write logs one message. Only CAN data frames are stored; other messages
// are counted as skipped.
func (d *Destination) Write(msg BusMessage) error {
	if !d.started {
		return ErrNotStarted
	}
	if d.writer == nil {
		return nil
	}
	frame, ok := msg.(*CanDataFrame)
	if !ok || frame == nil {
		d.skipped++
		return nil
	}
	if !d.hasTime {
		d.start = frame.Timestamp()
		d.hasTime = true
		d.writer.StartTime = uint64(d.start)
	}
	rel := float64(frame.Timestamp()-d.start) / 1e9
	d.writer.Add(rel, frame.mdfMessage())
	return nil
}

// Skipped is the number of messages the logger could not store.
func (d *Destination) Skipped() int {
	return d.skipped
}

// Stop flushes the logged frames to Filename, keeping the previous file as
// a .bak backup.
func (d *Destination) Stop() error {
	wasStarted := d.started
	d.started = false
	d.operable = false
	if !wasStarted || d.writer == nil {
		return nil
	}
	w := d.writer
	d.writer = nil
	if err := common.BackupFile(d.Filename); err != nil {
		return fmt.Errorf("destination %s: backup: %w", d.Name, err)
	}
	if err := w.WriteFile(d.Filename); err != nil {
		return fmt.Errorf("destination %s: %w", d.Name, err)
	}
	d.logger.Printf("destination %s: wrote %d messages to %s", d.Name, w.Len(), d.Filename)
	return nil
}

func (d *Destination) IsStarted() bool {
	return d.started
}

func (d *Destination) Properties() []BusProperty {
	props := appendSection(nil, "Destination")
	props = append(props,
		NewProperty("Type", d.typ.String()),
		NewProperty("Name", d.Name),
		NewProperty("Description", d.Description),
	)
	if d.typ == DestinationMdf {
		props = append(props, NewProperty("Filename", d.Filename))
	}
	props = appendSection(props, "Status")
	return append(props,
		NewProperty("Enabled", yesNo(d.enabled)),
		NewProperty("State", d.StateText(d.started)),
		NewProperty("Operable", yesNo(d.operable)),
	)
}

func (f *CanDataFrame) mdfMessage() mdf.CanMessage {
	return mdf.CanMessage{
		Type:          mdf.CanDataFrame,
		BusChannel:    f.fields.BusChannel,
		MessageID:     f.fields.MessageID,
		CanID:         f.fields.CanID,
		ExtendedID:    f.fields.ExtendedID,
		Dlc:           f.fields.Dlc,
		Crc:           f.fields.Crc,
		DataLength:    f.fields.DataLength,
		DataBytes:     f.fields.DataBytes,
		Dir:           uint8(f.fields.Direction),
		Srr:           f.fields.Srr,
		Edl:           f.fields.Edl,
		Brs:           f.fields.Brs,
		Esi:           f.fields.Esi,
		Rtr:           f.fields.Rtr,
		WakeUp:        f.fields.WakeUp,
		SingleWire:    f.fields.SingleWire,
		R0:            f.fields.R0,
		R1:            f.fields.R1,
		FrameDuration: f.fields.FrameDuration,
	}
}
