package bus

import (
	"strings"
	"time"

	"example.com/busmaster/internal/common"
)

type SourceType int

const (
	SourceUnknown SourceType = iota
	SourceMdf
)

var sourceTypeNames = []string{"Unknown", "MDF Traffic Generator"}

func (t SourceType) String() string {
	if t >= 0 && int(t) < len(sourceTypeNames) {
		return sourceTypeNames[t]
	}
	return sourceTypeNames[0]
}

// SourceTypeFromString is case insensitive; unknown names map to SourceUnknown.
func SourceTypeFromString(name string) SourceType {
	for i, typeName := range sourceTypeNames {
		if strings.EqualFold(typeName, name) {
			return SourceType(i)
		}
	}
	return SourceUnknown
}

// Source produces bus traffic. An MDF source replays the CAN data frames of a
// measurement file through its TrafficGenerator.
type Source struct {
	OperableStatus

	Name        string
	Description string
	Filename    string

	typ       SourceType
	started   bool
	generator *TrafficGenerator
}

func NewSource(typ SourceType, logger common.Logger) *Source {
	s := &Source{typ: typ}
	s.enabled = true
	if typ == SourceMdf {
		s.generator = NewTrafficGenerator("")
		if logger != nil {
			s.generator.Logger = logger
		}
	}
	return s
}

func (s *Source) Type() SourceType {
	return s.typ
}

// Generator is nil for sources that are not MDF traffic generators.
func (s *Source) Generator() *TrafficGenerator {
	return s.generator
}

// Enable of an MDF source loads the file and takes over the generator status.
func (s *Source) Enable(enable bool) {
	if s.generator == nil {
		s.enabled = enable
		return
	}
	s.generator.Filename = s.Filename
	s.generator.Enable(enable)
	s.setStatus(s.generator.IsEnabled(), s.generator.IsOperable())
}

func (s *Source) Start() {
	if !s.enabled {
		s.started = false
		s.operable = false
		return
	}
	s.started = true
	s.operable = s.generator == nil || s.generator.IsOperable()
}

func (s *Source) Stop() {
	s.started = false
	s.operable = false
}

func (s *Source) IsStarted() bool {
	return s.started
}

func (s *Source) Properties() []BusProperty {
	props := appendSection(nil, "Source")
	props = append(props,
		NewProperty("Type", s.typ.String()),
		NewProperty("Name", s.Name),
		NewProperty("Description", s.Description),
	)
	if s.generator != nil {
		props = append(props,
			NewProperty("Filename", s.Filename),
			NewProperty("Messages", itoa(s.generator.NofMessages())),
		)
		if s.generator.NofMessages() > 0 {
			first := time.Unix(0, s.generator.FirstTime()).UTC()
			props = append(props, NewProperty("First Time", first.Format(time.RFC3339Nano)))
		}
	}
	props = appendSection(props, "Status")
	return append(props,
		NewProperty("Enabled", yesNo(s.enabled)),
		NewProperty("State", s.StateText(s.started)),
		NewProperty("Operable", yesNo(s.operable)),
	)
}
