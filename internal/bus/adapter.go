package bus

import (
	"fmt"

	"example.com/busmaster/internal/common"
	"example.com/busmaster/internal/mdf"
)

// CanCallback receives a decoded frame and its time in seconds relative to
// the file start time.
type CanCallback func(relSeconds float64, msg mdf.CanMessage) bool

// MdfFile is the part of an MDF reader the traffic generator consumes.
type MdfFile interface {
	ReadEverythingButData() error
	// StartTime is the header start time in ns; ok is false without header.
	StartTime() (startTime uint64, ok bool)
	DataGroups() []DataGroup
	ReadData(dg DataGroup) error
	Close() error
}

type DataGroup interface {
	ChannelGroups() []ChannelGroup
	AttachCanObserver(cg ChannelGroup, fn CanCallback) error
	// DecodeErrors counts the records the attached observers could not
	// decode during the last read.
	DecodeErrors() int
	DetachAll()
}

// ChannelGroup describes a channel group without its data.
type ChannelGroup interface {
	Name() string
	Flags() mdf.CgFlag
	BusType() mdf.BusType
	NofSamples() uint64
}

// OpenFunc opens an MDF file for reading.
type OpenFunc func(path string) (MdfFile, error)

// OpenMdfFile opens path with the MDF 4 reader.
func OpenMdfFile(path string) (MdfFile, error) {
	r, err := mdf.Open(path)
	if err != nil {
		return nil, err
	}
	return &mdfFile{reader: r}, nil
}

// OpenMdfFileWithMetrics is OpenMdfFile with read progress counted in m.
func OpenMdfFileWithMetrics(m *common.Metrics) OpenFunc {
	return func(path string) (MdfFile, error) {
		r, err := mdf.Open(path)
		if err != nil {
			return nil, err
		}
		r.SetMetrics(m)
		return &mdfFile{reader: r}, nil
	}
}

type mdfFile struct {
	reader *mdf.Reader
	groups []DataGroup
}

func (f *mdfFile) ReadEverythingButData() error {
	if err := f.reader.ReadEverythingButData(); err != nil {
		return err
	}
	f.groups = f.groups[:0]
	for _, dg := range f.reader.DataGroups() {
		group := &mdfDataGroup{dg: dg}
		for _, cg := range dg.ChannelGroups {
			group.groups = append(group.groups, &mdfChannelGroup{cg: cg})
		}
		f.groups = append(f.groups, group)
	}
	return nil
}

func (f *mdfFile) StartTime() (uint64, bool) {
	hd := f.reader.Header()
	if hd == nil {
		return 0, false
	}
	return hd.StartTime, true
}

func (f *mdfFile) DataGroups() []DataGroup {
	return f.groups
}

func (f *mdfFile) ReadData(dg DataGroup) error {
	group, ok := dg.(*mdfDataGroup)
	if !ok {
		return fmt.Errorf("foreign data group %T", dg)
	}
	return f.reader.ReadData(group.dg)
}

func (f *mdfFile) Close() error {
	return f.reader.Close()
}

type mdfDataGroup struct {
	dg        *mdf.DataGroup
	groups    []ChannelGroup
	observers []*mdf.CanObserver
}

func (d *mdfDataGroup) ChannelGroups() []ChannelGroup {
	return d.groups
}

func (d *mdfDataGroup) AttachCanObserver(cg ChannelGroup, fn CanCallback) error {
	group, ok := cg.(*mdfChannelGroup)
	if !ok {
		return fmt.Errorf("foreign channel group %T", cg)
	}
	obs := mdf.NewCanObserver(d.dg, group.cg)
	obs.OnCanMessage = fn
	d.observers = append(d.observers, obs)
	return nil
}

func (d *mdfDataGroup) DecodeErrors() int {
	n := 0
	for _, obs := range d.observers {
		n += obs.DecodeErrors()
	}
	return n
}

func (d *mdfDataGroup) DetachAll() {
	d.dg.DetachAll()
	d.observers = nil
}

type mdfChannelGroup struct {
	cg *mdf.ChannelGroup
}

func (c *mdfChannelGroup) Name() string { return c.cg.Name }
func (c *mdfChannelGroup) Flags() mdf.CgFlag { return c.cg.Flags }
func (c *mdfChannelGroup) BusType() mdf.BusType { return c.cg.BusType() }
func (c *mdfChannelGroup) NofSamples() uint64 { return c.cg.NofSamples }
