package bus

import "example.com/busmaster/internal/mdf"

// ChannelGroupFilter selects the channel groups that carry bus events of one
// bus type.
type ChannelGroupFilter struct {
	Bus mdf.BusType
}

// NewChannelGroupFilter returns a filter for CAN bus logging.
func NewChannelGroupFilter() ChannelGroupFilter {
	return ChannelGroupFilter{Bus: mdf.BusTypeCan}
}

// Eligible reports whether cg should get an observer: not VLSD, a bus event
// group of the filter's bus with at least one sample.
func (f ChannelGroupFilter) Eligible(cg ChannelGroup) bool {
	if cg == nil {
		return false
	}
	flags := cg.Flags()
	switch {
	case flags&mdf.CgFlagVlsd != 0:
		return false
	case flags&mdf.CgFlagBusEvent == 0:
		return false
	case cg.BusType() != f.Bus:
		return false
	case cg.NofSamples() == 0:
		return false
	}
	return true
}
