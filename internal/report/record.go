package report

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"example.com/busmaster/internal/bus"
)

// HexBytes is a payload that reads as upper case hex in JSON and as a byte
// string in CBOR.
type HexBytes []byte

func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(strings.ToUpper(hex.EncodeToString(h)))
}

func (h *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("payload %q: %w", s, err)
	}
	*h = b
	return nil
}

// MessageRecord is the exported form of one CAN data frame.
type MessageRecord struct {
	Timestamp     int64    `json:"ts" cbor:"1,keyasint"`
	BusChannel    uint8    `json:"channel" cbor:"2,keyasint"`
	MessageID     uint32   `json:"messageId,omitempty" cbor:"3,keyasint,omitempty"`
	CanID         uint32   `json:"canId" cbor:"4,keyasint"`
	Extended      bool     `json:"extended,omitempty" cbor:"5,keyasint,omitempty"`
	Dlc           uint8    `json:"dlc" cbor:"6,keyasint"`
	DataLength    uint8    `json:"len" cbor:"7,keyasint"`
	Data          HexBytes `json:"data" cbor:"8,keyasint"`
	Dir           string   `json:"dir" cbor:"9,keyasint"`
	Crc           uint32   `json:"crc,omitempty" cbor:"10,keyasint,omitempty"`
	Flags         []string `json:"flags,omitempty" cbor:"11,keyasint,omitempty"`
	FrameDuration uint32   `json:"durationNs,omitempty" cbor:"12,keyasint,omitempty"`
}

var flagNames = []string{"SRR", "EDL", "BRS", "ESI", "RTR", "WAKEUP", "SINGLEWIRE", "R0", "R1"}

func NewMessageRecord(f *bus.CanDataFrame) MessageRecord {
	fields := f.Fields()
	rec := MessageRecord{
		Timestamp:     f.Timestamp(),
		BusChannel:    fields.BusChannel,
		MessageID:     fields.MessageID,
		CanID:         fields.CanID,
		Extended:      fields.ExtendedID,
		Dlc:           fields.Dlc,
		DataLength:    fields.DataLength,
		Data:          HexBytes(fields.DataBytes),
		Dir:           fields.Direction.String(),
		Crc:           fields.Crc,
		FrameDuration: fields.FrameDuration,
	}
	set := []bool{fields.Srr, fields.Edl, fields.Brs, fields.Esi, fields.Rtr, fields.WakeUp, fields.SingleWire, fields.R0, fields.R1}
	for i, on := range set {
		if on {
			rec.Flags = append(rec.Flags, flagNames[i])
		}
	}
	return rec
}

// Frame rebuilds the data frame the record was made from.
func (r MessageRecord) Frame() *bus.CanDataFrame {
	fields := bus.CanFields{
		BusChannel:    r.BusChannel,
		MessageID:     r.MessageID,
		CanID:         r.CanID,
		ExtendedID:    r.Extended,
		Dlc:           r.Dlc,
		Crc:           r.Crc,
		DataLength:    r.DataLength,
		DataBytes:     r.Data,
		FrameDuration: r.FrameDuration,
	}
	if strings.EqualFold(r.Dir, bus.DirectionTx.String()) {
		fields.Direction = bus.DirectionTx
	}
	for _, name := range r.Flags {
		switch strings.ToUpper(name) {
		case "SRR":
			fields.Srr = true
		case "EDL":
			fields.Edl = true
		case "BRS":
			fields.Brs = true
		case "ESI":
			fields.Esi = true
		case "RTR":
			fields.Rtr = true
		case "WAKEUP":
			fields.WakeUp = true
		case "SINGLEWIRE":
			fields.SingleWire = true
		case "R0":
			fields.R0 = true
		case "R1":
			fields.R1 = true
		}
	}
	return bus.NewCanDataFrame(r.Timestamp, fields)
}

// Records converts the data frames among msgs. Other message kinds are
// left out.
func Records(msgs []bus.BusMessage) []MessageRecord {
	out := make([]MessageRecord, 0, len(msgs))
	for _, msg := range msgs {
		if f, ok := msg.(*bus.CanDataFrame); ok {
			out = append(out, NewMessageRecord(f))
		}
	}
	return out
}
