package mdf

import "strings"

// CgFlag holds the cg_flags bits of a channel group.
type CgFlag uint16

const (
	CgFlagVlsd          CgFlag = 0x0001
	CgFlagBusEvent      CgFlag = 0x0002
	CgFlagPlainBusEvent CgFlag = 0x0004
	CgFlagRemoteMaster  CgFlag = 0x0008
	CgFlagEventSignal   CgFlag = 0x0010
)

// BusType is the si_bus_type of a source information block.
type BusType uint8

const (
	BusTypeNone BusType = iota
	BusTypeOther
	BusTypeCan
	BusTypeLin
	BusTypeMost
	BusTypeFlexRay
	BusTypeKLine
	BusTypeEthernet
	BusTypeUsb
)

var busTypeNames = []string{"None", "Other", "CAN", "LIN", "MOST", "FlexRay", "K-Line", "Ethernet", "USB"}

func (b BusType) String() string {
	if int(b) < len(busTypeNames) {
		return busTypeNames[b]
	}
	return "Unknown"
}

// ParseBusType looks up a bus type by its display name, ignoring case.
func ParseBusType(name string) (BusType, bool) {
	for i, n := range busTypeNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return BusType(i), true
		}
	}
	return BusTypeNone, false
}

// busTypeFromName guesses the bus type from a bus-logging acquisition name
// such as "CAN_DataFrame" or "LIN_Frame".
func busTypeFromName(name string) BusType {
	upper := strings.ToUpper(name)
	switch {
	case strings.HasPrefix(upper, "CAN"):
		return BusTypeCan
	case strings.HasPrefix(upper, "LIN"):
		return BusTypeLin
	case strings.HasPrefix(upper, "FLX"), strings.HasPrefix(upper, "FLEXRAY"):
		return BusTypeFlexRay
	case strings.HasPrefix(upper, "MOST"):
		return BusTypeMost
	case strings.HasPrefix(upper, "ETH"):
		return BusTypeEthernet
	}
	return BusTypeNone
}

// Channel types (cn_type).
const (
	ChannelFixedLength   = 0
	ChannelVlsd          = 1
	ChannelMaster        = 2
	ChannelVirtualMaster = 3
	ChannelSync          = 4
	ChannelMaxLength     = 5
	ChannelVirtualData   = 6
)

// Channel sync types (cn_sync_type).
const (
	SyncTypeNone = 0
	SyncTypeTime = 1
)

// Channel data types (cn_data_type).
const (
	DataUnsignedLE = 0
	DataUnsignedBE = 1
	DataSignedLE   = 2
	DataSignedBE   = 3
	DataFloatLE    = 4
	DataFloatBE    = 5
	DataStringLat1 = 6
	DataStringUTF8 = 7
	DataByteArray  = 10
)

// Source types (si_type).
const (
	SourceOther = iota
	SourceEcu
	SourceBus
	SourceIo
	SourceTool
	SourceUser
)

// Header is the ##HD block.
type Header struct {
	StartTime      uint64
	TzOffsetMin    int16
	DstOffsetMin   int16
	TimeFlags      uint8
	TimeClass      uint8
	Flags          uint8
	firstDataGroup int64
}

// SourceInfo is the ##SI block.
type SourceInfo struct {
	Name    string
	Path    string
	Type    uint8
	BusType BusType
	Flags   uint8
}

// Conversion is the subset of ##CC used by bus logging: identity and linear.
type Conversion struct {
	Type   uint8
	Values []float64
}

// Apply converts a raw value into its physical value.
func (c *Conversion) Apply(raw float64) float64 {
	if c == nil {
		return raw
	}
	if c.Type == 1 && len(c.Values) >= 2 {
		return c.Values[0] + c.Values[1]*raw
	}
	return raw
}

// Channel is a ##CN block.
type Channel struct {
	Name       string
	Type       uint8
	SyncType   uint8
	DataType   uint8
	BitOffset  uint8
	ByteOffset uint32
	BitCount   uint32
	Flags      uint32
	Conversion *Conversion
	Children   []*Channel
	dataLink   int64
}

// IsMaster reports whether the channel carries the time axis.
func (c *Channel) IsMaster() bool {
	return c.Type == ChannelMaster || c.Type == ChannelVirtualMaster
}

// ShortName returns the part of the name after the last '.'.
func (c *Channel) ShortName() string {
	if idx := strings.LastIndex(c.Name, "."); idx >= 0 {
		return c.Name[idx+1:]
	}
	return c.Name
}

// ChannelGroup is a ##CG block together with its channels.
type ChannelGroup struct {
	Name       string
	RecordID   uint64
	NofSamples uint64
	Flags      CgFlag
	DataBytes  uint32
	InvalBytes uint32
	Source     *SourceInfo
	Channels   []*Channel
	offset     int64
}

// BusType returns the bus the group was logged from.
func (cg *ChannelGroup) BusType() BusType {
	if cg.Source != nil && cg.Source.BusType != BusTypeNone {
		return cg.Source.BusType
	}
	return busTypeFromName(cg.Name)
}

// RecordSize is the size of one record without its record id.
func (cg *ChannelGroup) RecordSize() int {
	return int(cg.DataBytes) + int(cg.InvalBytes)
}

// MasterChannel returns the time channel of the group, if any.
func (cg *ChannelGroup) MasterChannel() *Channel {
	for _, cn := range cg.Channels {
		if cn.IsMaster() {
			return cn
		}
	}
	return nil
}

// DataGroup is a ##DG block with its channel groups.
type DataGroup struct {
	RecordIDSize  uint8
	ChannelGroups []*ChannelGroup
	dataLink      int64
	observers     []Observer
	index         int
}

// Index is the zero based position of the group in the file.
func (dg *DataGroup) Index() int {
	return dg.index
}

// Attach registers an observer for the next ReadData call.
func (dg *DataGroup) Attach(o Observer) {
	if o == nil {
		return
	}
	dg.observers = append(dg.observers, o)
}

// DetachAll removes every registered observer.
func (dg *DataGroup) DetachAll() {
	dg.observers = nil
}

// Observers returns the number of attached observers.
func (dg *DataGroup) Observers() int {
	return len(dg.observers)
}

func (dg *DataGroup) groupByRecordID(id uint64) *ChannelGroup {
	if dg.RecordIDSize == 0 && len(dg.ChannelGroups) == 1 {
		return dg.ChannelGroups[0]
	}
	for _, cg := range dg.ChannelGroups {
		if cg.RecordID == id {
			return cg
		}
	}
	return nil
}
