package bus

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"example.com/busmaster/internal/mdf"
)

type fakeFrame struct {
	rel float64
	msg mdf.CanMessage
}

type fakeChannelGroup struct {
	name    string
	flags   mdf.CgFlag
	bus     mdf.BusType
	samples uint64
	frames  []fakeFrame
}

func (c *fakeChannelGroup) Name() string { return c.name }
func (c *fakeChannelGroup) Flags() mdf.CgFlag { return c.flags }
func (c *fakeChannelGroup) BusType() mdf.BusType { return c.bus }
func (c *fakeChannelGroup) NofSamples() uint64 { return c.samples }

// canGroup is an eligible CAN bus event group holding frames.
func canGroup(frames ...fakeFrame) *fakeChannelGroup {
	return &fakeChannelGroup{
		name:    "CAN_DataFrame",
		flags:   mdf.CgFlagBusEvent | mdf.CgFlagPlainBusEvent,
		bus:     mdf.BusTypeCan,
		samples: uint64(len(frames)),
		frames:  frames,
	}
}

func dataFrame(rel float64, id uint32) fakeFrame {
	return fakeFrame{rel: rel, msg: mdf.CanMessage{
		Type:       mdf.CanDataFrame,
		BusChannel: 1,
		CanID:      id,
		MessageID:  id,
		Dlc:        2,
		DataLength: 2,
		DataBytes:  []byte{byte(id), byte(id >> 8)},
	}}
}

func otherFrame(rel float64, typ mdf.MessageType) fakeFrame {
	return fakeFrame{rel: rel, msg: mdf.CanMessage{Type: typ, BusChannel: 1, CanID: 0x7FF, MessageID: 0x7FF}}
}

type fakeDataGroup struct {
	groups       []*fakeChannelGroup
	observers    map[*fakeChannelGroup]CanCallback
	readErr      error
	readPanic    interface{}
	attachFail   *fakeChannelGroup
	decodeErrors int
}

func newDataGroup(groups ...*fakeChannelGroup) *fakeDataGroup {
	return &fakeDataGroup{groups: groups}
}

func (d *fakeDataGroup) ChannelGroups() []ChannelGroup {
	out := make([]ChannelGroup, len(d.groups))
	for i, cg := range d.groups {
		out[i] = cg
	}
	return out
}

func (d *fakeDataGroup) AttachCanObserver(cg ChannelGroup, fn CanCallback) error {
	group, ok := cg.(*fakeChannelGroup)
	if !ok {
		return fmt.Errorf("unexpected channel group %T", cg)
	}
	if group == d.attachFail {
		return fmt.Errorf("channel group %s rejected", group.name)
	}
	if d.observers == nil {
		d.observers = map[*fakeChannelGroup]CanCallback{}
	}
	d.observers[group] = fn
	return nil
}

func (d *fakeDataGroup) DecodeErrors() int { return d.decodeErrors }

func (d *fakeDataGroup) DetachAll() {
	d.observers = nil
}

type fakeFile struct {
	start    uint64
	noHeader bool
	metaErr  error
	groups   []*fakeDataGroup
	reads    int
	closed   bool
}

func (f *fakeFile) ReadEverythingButData() error { return f.metaErr }

func (f *fakeFile) StartTime() (uint64, bool) {
	if f.noHeader {
		return 0, false
	}
	return f.start, true
}

func (f *fakeFile) DataGroups() []DataGroup {
	out := make([]DataGroup, len(f.groups))
	for i, dg := range f.groups {
		out[i] = dg
	}
	return out
}

func (f *fakeFile) ReadData(dg DataGroup) error {
	f.reads++
	group := dg.(*fakeDataGroup)
	if group.readPanic != nil {
		panic(group.readPanic)
	}
	if group.readErr != nil {
		return group.readErr
	}
	for _, cg := range group.groups {
		fn := group.observers[cg]
		if fn == nil {
			continue
		}
		for _, frame := range cg.frames {
			if !fn(frame.rel, frame.msg) {
				break
			}
		}
	}
	return nil
}

func (f *fakeFile) Close() error {
	f.closed = true
	return nil
}

// recordingLogger keeps every logged line.
type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Printf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) contains(s string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}

// fakeGenerator returns a generator reading file instead of a real MDF file.
func fakeGenerator(t *testing.T, file *fakeFile) (*TrafficGenerator, *recordingLogger) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "synthetic.mf4")
	if err := os.WriteFile(path, []byte("synthetic"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	logger := &recordingLogger{}
	g := NewTrafficGenerator(path)
	g.Logger = logger
	g.IsMdfFile = func(string) bool { return true }
	g.Open = func(string) (MdfFile, error) { return file, nil }
	return g, logger
}

func timestamps(g *TrafficGenerator) []int64 {
	out := make([]int64, 0, g.NofMessages())
	for i := 0; i < g.NofMessages(); i++ {
		out = append(out, g.GetMessage(i).Timestamp())
	}
	return out
}
