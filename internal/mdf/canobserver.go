package mdf

import "strings"

// MessageType identifies the kind of CAN bus-logging record.
type MessageType int

const (
	CanDataFrame MessageType = iota
	CanRemoteFrame
	CanErrorFrame
	CanOverloadFrame
	CanUnknownFrame
)

var messageTypeNames = []string{"CAN_DataFrame", "CAN_RemoteFrame", "CAN_ErrorFrame", "CAN_OverloadFrame"}

func (t MessageType) String() string {
	if t >= 0 && int(t) < len(messageTypeNames) {
		return messageTypeNames[t]
	}
	return "CAN_Unknown"
}

func messageTypeFromName(name string) MessageType {
	for i, typeName := range messageTypeNames {
		if strings.Contains(name, typeName[len("CAN_"):]) {
			return MessageType(i)
		}
	}
	return CanUnknownFrame
}

const extendedIDFlag = 0x80000000

// CanMessage is one decoded CAN bus-logging record.
type CanMessage struct {
	Type          MessageType
	BusChannel    uint8
	MessageID     uint32
	CanID         uint32
	ExtendedID    bool
	Dlc           uint8
	Crc           uint32
	DataLength    uint8
	DataBytes     []byte
	Dir           uint8
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

// CanObserver decodes the records of a CAN bus-logging channel group.
type CanObserver struct {
	// OnCanMessage receives the relative time in seconds and the message.
	OnCanMessage func(relTime float64, msg CanMessage) bool

	group        *ChannelGroup
	master       *Channel
	fields       map[string]*Channel
	kind         MessageType
	decodeErrors int
}

// NewCanObserver creates an observer for cg and attaches it to dg.
func NewCanObserver(dg *DataGroup, cg *ChannelGroup) *CanObserver {
	o := &CanObserver{
		group:  cg,
		master: cg.MasterChannel(),
		fields: map[string]*Channel{},
		kind:   messageTypeFromName(cg.Name),
	}
	for _, cn := range cg.Channels {
		if cn.IsMaster() {
			continue
		}
		if len(cn.Children) > 0 {
			if kind := messageTypeFromName(cn.Name); kind != CanUnknownFrame {
				o.kind = kind
			}
			for _, child := range cn.Children {
				o.fields[child.ShortName()] = child
			}
			continue
		}
		if strings.Contains(cn.Name, ".") {
			o.fields[cn.ShortName()] = cn
		}
	}
	if dg != nil {
		dg.Attach(o)
	}
	return o
}

func (o *CanObserver) ChannelGroup() *ChannelGroup {
	return o.group
}

// DecodeErrors is the number of records that could not be decoded.
func (o *CanObserver) DecodeErrors() int {
	return o.decodeErrors
}

func (o *CanObserver) OnRecord(rec Record) bool {
	var relTime float64
	if o.master != nil {
		v, err := o.master.Value(rec.Data)
		if err != nil {
			o.decodeErrors++
			return true
		}
		relTime = v
	}
	msg, err := o.decode(rec)
	if err != nil {
		o.decodeErrors++
		return true
	}
	if o.OnCanMessage == nil {
		return true
	}
	return o.OnCanMessage(relTime, msg)
}

func (o *CanObserver) decode(rec Record) (CanMessage, error) {
	msg := CanMessage{Type: o.kind}
	var err error
	u := func(name string) uint64 {
		cn := o.fields[name]
		if cn == nil || err != nil {
			return 0
		}
		var v uint64
		v, err = cn.Uint(rec.Data)
		return v
	}
	msg.BusChannel = uint8(u("BusChannel"))
	msg.CanID = uint32(u("ID")) & 0x1FFFFFFF
	msg.ExtendedID = u("IDE") != 0
	msg.Dlc = uint8(u("DLC"))
	msg.DataLength = uint8(u("DataLength"))
	msg.Dir = uint8(u("Dir"))
	msg.Srr = u("SRR") != 0
	msg.Edl = u("EDL") != 0
	msg.Brs = u("BRS") != 0
	msg.Esi = u("ESI") != 0
	msg.Rtr = u("RTR") != 0
	msg.WakeUp = u("WakeUp") != 0
	msg.SingleWire = u("SingleWire") != 0
	msg.R0 = u("R0") != 0
	msg.R1 = u("R1") != 0
	msg.Crc = uint32(u("CRC"))
	msg.FrameDuration = uint32(u("FrameDuration"))
	if err != nil {
		return msg, err
	}
	msg.MessageID = msg.CanID
	if msg.ExtendedID {
		msg.MessageID |= extendedIDFlag
	}
	if cn := o.fields["DataBytes"]; cn != nil {
		var data []byte
		if cn.Type == ChannelVlsd {
			data, err = rec.VariableData(cn)
		} else {
			data, err = cn.Bytes(rec.Data)
		}
		if err != nil {
			return msg, err
		}
		if o.fields["DataLength"] != nil && int(msg.DataLength) < len(data) {
			data = data[:msg.DataLength]
		}
		msg.DataBytes = make([]byte, len(data))
		copy(msg.DataBytes, data)
		if o.fields["DataLength"] == nil {
			msg.DataLength = uint8(len(msg.DataBytes))
		}
	}
	return msg, nil
}
