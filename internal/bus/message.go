package bus

// MessageType tags the kind of bus event a BusMessage carries. Only CAN data
// frames are produced today; the other tags are kept for future variants.
type MessageType int

const (
	MessageCanDataFrame MessageType = iota
	MessageCanRemoteFrame
	MessageCanErrorFrame
	MessageCanOverloadFrame
)

func (t MessageType) String() string {
	switch t {
	case MessageCanDataFrame:
		return "CAN_DataFrame"
	case MessageCanRemoteFrame:
		return "CAN_RemoteFrame"
	case MessageCanErrorFrame:
		return "CAN_ErrorFrame"
	case MessageCanOverloadFrame:
		return "CAN_OverloadFrame"
	}
	return "Unknown"
}

// Direction of a frame relative to the logging node.
type Direction uint8

const (
	DirectionRx Direction = 0
	DirectionTx Direction = 1
)

func (d Direction) String() string {
	if d == DirectionTx {
		return "Tx"
	}
	return "Rx"
}

// BusMessage is one observed bus event. Timestamps are absolute nanoseconds
// on the same epoch as the source file start time.
type BusMessage interface {
	Type() MessageType
	Timestamp() int64
	BusChannel() uint8
	MessageID() uint32
}

// MaxDataBytes is the CAN FD payload limit.
const MaxDataBytes = 64

// CanFields holds every field of a CAN data frame except its timestamp.
type CanFields struct {
	BusChannel    uint8
	MessageID     uint32
	CanID         uint32
	ExtendedID    bool
	Dlc           uint8
	Crc           uint32
	DataLength    uint8
	DataBytes     []byte
	Direction     Direction
	Srr           bool
	Edl           bool
	Brs           bool
	Esi           bool
	Rtr           bool
	WakeUp        bool
	SingleWire    bool
	R0            bool
	R1            bool
	FrameDuration uint32
}

// CanDataFrame is an immutable CAN (FD) data frame.
type CanDataFrame struct {
	timestamp int64
	fields    CanFields
}

// NewCanDataFrame copies fields into a new frame. Payloads longer than
// MaxDataBytes are truncated.
func NewCanDataFrame(timestamp int64, fields CanFields) *CanDataFrame {
	data := fields.DataBytes
	if len(data) > MaxDataBytes {
		data = data[:MaxDataBytes]
	}
	fields.DataBytes = append(make([]byte, 0, len(data)), data...)
	return &CanDataFrame{timestamp: timestamp, fields: fields}
}

func (f *CanDataFrame) Type() MessageType { return MessageCanDataFrame }
func (f *CanDataFrame) Timestamp() int64 { return f.timestamp }
func (f *CanDataFrame) BusChannel() uint8 { return f.fields.BusChannel }
func (f *CanDataFrame) MessageID() uint32 { return f.fields.MessageID }
func (f *CanDataFrame) CanID() uint32 { return f.fields.CanID }
func (f *CanDataFrame) ExtendedID() bool { return f.fields.ExtendedID }
func (f *CanDataFrame) Dlc() uint8 { return f.fields.Dlc }
func (f *CanDataFrame) Crc() uint32 { return f.fields.Crc }
func (f *CanDataFrame) DataLength() uint8 { return f.fields.DataLength }
func (f *CanDataFrame) Direction() Direction { return f.fields.Direction }
func (f *CanDataFrame) Srr() bool { return f.fields.Srr }
func (f *CanDataFrame) Edl() bool { return f.fields.Edl }
func (f *CanDataFrame) Brs() bool { return f.fields.Brs }
func (f *CanDataFrame) Esi() bool { return f.fields.Esi }
func (f *CanDataFrame) Rtr() bool { return f.fields.Rtr }
func (f *CanDataFrame) WakeUp() bool { return f.fields.WakeUp }
func (f *CanDataFrame) SingleWire() bool { return f.fields.SingleWire }
func (f *CanDataFrame) R0() bool { return f.fields.R0 }
func (f *CanDataFrame) R1() bool { return f.fields.R1 }
func (f *CanDataFrame) FrameDuration() uint32 { return f.fields.FrameDuration }

// DataBytes returns a copy of the payload.
func (f *CanDataFrame) DataBytes() []byte {
	return append([]byte(nil), f.fields.DataBytes...)
}

// Fields returns a copy of all fields.
func (f *CanDataFrame) Fields() CanFields {
	out := f.fields
	out.DataBytes = f.DataBytes()
	return out
}
