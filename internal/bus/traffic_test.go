package bus

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"example.com/busmaster/internal/common"
	"example.com/busmaster/internal/mdf"
)

func TestEnableScenario(t *testing.T) {
	file := &fakeFile{
		start: 0,
		groups: []*fakeDataGroup{
			newDataGroup(canGroup(dataFrame(0.1, 1), dataFrame(-0.2, 2), dataFrame(0.05, 3))),
			newDataGroup(canGroup(otherFrame(0.0, mdf.CanErrorFrame))),
		},
	}
	g, _ := fakeGenerator(t, file)
	g.Enable(true)

	if !g.IsEnabled() || !g.IsOperable() {
		t.Fatalf("enabled=%v operable=%v, want both true (err %v)", g.IsEnabled(), g.IsOperable(), g.LastError())
	}
	if g.NofMessages() != 3 {
		t.Fatalf("NofMessages = %d, want 3", g.NofMessages())
	}
	if g.FirstTime() != -200_000_000 {
		t.Fatalf("FirstTime = %d, want -200000000", g.FirstTime())
	}
	want := []int64{-200_000_000, 50_000_000, 100_000_000}
	if diff := cmp.Diff(want, timestamps(g)); diff != "" {
		t.Fatalf("timestamps (-want +got):\n%s", diff)
	}
	if !file.closed {
		t.Fatalf("file not closed after Enable")
	}
	if file.reads != 2 {
		t.Fatalf("data reads = %d, want 2", file.reads)
	}
}

func TestEnableTwiceIsIdempotent(t *testing.T) {
	file := &fakeFile{
		start:  5_000,
		groups: []*fakeDataGroup{newDataGroup(canGroup(dataFrame(1, 1), dataFrame(0.5, 2)))},
	}
	g, _ := fakeGenerator(t, file)
	g.Enable(true)
	first := timestamps(g)
	g.Enable(true)
	second := timestamps(g)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("second Enable differs (-first +second):\n%s", diff)
	}
	if g.NofMessages() != 2 {
		t.Fatalf("NofMessages = %d, want 2", g.NofMessages())
	}
}

func TestMessagesAreOrdered(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var groups []*fakeDataGroup
	for dg := 0; dg < 3; dg++ {
		var a, b []fakeFrame
		for i := 0; i < 50; i++ {
			a = append(a, dataFrame(rng.Float64()*10-5, uint32(i)))
			b = append(b, dataFrame(rng.Float64()*10-5, uint32(100+i)))
		}
		groups = append(groups, newDataGroup(canGroup(a...), canGroup(b...)))
	}
	g, _ := fakeGenerator(t, &fakeFile{start: 1_700_000_000_000_000_000, groups: groups})
	g.Enable(true)
	if g.NofMessages() != 300 {
		t.Fatalf("NofMessages = %d, want 300", g.NofMessages())
	}
	for i := 0; i+1 < g.NofMessages(); i++ {
		if g.GetMessage(i).Timestamp() > g.GetMessage(i+1).Timestamp() {
			t.Fatalf("message %d at %d after message %d at %d", i, g.GetMessage(i).Timestamp(), i+1, g.GetMessage(i+1).Timestamp())
		}
	}
}

func TestEqualTimestampsKeepArrivalOrder(t *testing.T) {
	file := &fakeFile{groups: []*fakeDataGroup{newDataGroup(canGroup(dataFrame(1, 10), dataFrame(1, 11), dataFrame(0, 12)))}}
	g, _ := fakeGenerator(t, file)
	g.Enable(true)
	var ids []uint32
	for _, msg := range g.Messages() {
		ids = append(ids, msg.MessageID())
	}
	if diff := cmp.Diff([]uint32{12, 10, 11}, ids); diff != "" {
		t.Fatalf("ids (-want +got):\n%s", diff)
	}
}

func TestNonDataFramesAreDropped(t *testing.T) {
	plain := canGroup(dataFrame(0.1, 1), dataFrame(0.2, 2))
	mixed := canGroup(
		dataFrame(0.1, 1),
		otherFrame(0.15, mdf.CanErrorFrame),
		otherFrame(0.16, mdf.CanOverloadFrame),
		otherFrame(0.17, mdf.CanRemoteFrame),
		dataFrame(0.2, 2),
	)

	g1, _ := fakeGenerator(t, &fakeFile{groups: []*fakeDataGroup{newDataGroup(plain)}})
	g1.Enable(true)
	g2, _ := fakeGenerator(t, &fakeFile{groups: []*fakeDataGroup{newDataGroup(mixed)}})
	metrics := common.NewMetrics()
	g2.Metrics = metrics
	g2.Enable(true)

	if g1.NofMessages() != g2.NofMessages() {
		t.Fatalf("NofMessages %d with other frames, %d without", g2.NofMessages(), g1.NofMessages())
	}
	for _, msg := range g2.Messages() {
		if msg.Type() != MessageCanDataFrame {
			t.Fatalf("unexpected message type %v", msg.Type())
		}
	}
	snap := metrics.Snapshot()
	if snap.Messages != 2 || snap.Dropped != 3 {
		t.Fatalf("metrics messages=%d dropped=%d, want 2 and 3", snap.Messages, snap.Dropped)
	}
}

func TestAbsoluteTime(t *testing.T) {
	tests := []struct {
		name  string
		start int64
		rel   float64
		want  int64
	}{
		{name: "negative offset", start: 1_000_000_000, rel: -0.5, want: 500_000_000},
		{name: "negative offset large start", start: 1_000_000_000_000, rel: -0.5, want: 999_500_000_000},
		{name: "before epoch", start: 0, rel: -0.2, want: -200_000_000},
		{name: "positive", start: 10, rel: 0.000000001, want: 11},
		{name: "half rounds to even down", start: 0, rel: 0.5e-9, want: 0},
		{name: "half rounds to even up", start: 0, rel: 1.5e-9, want: 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := AbsoluteTime(tc.start, tc.rel); got != tc.want {
				t.Fatalf("AbsoluteTime(%d, %v) = %d, want %d", tc.start, tc.rel, got, tc.want)
			}
		})
	}
}

func TestNegativeOffsetThroughGenerator(t *testing.T) {
	file := &fakeFile{start: 1_000_000_000_000, groups: []*fakeDataGroup{newDataGroup(canGroup(dataFrame(-0.5, 1)))}}
	g, _ := fakeGenerator(t, file)
	g.Enable(true)
	if g.FirstTime() != 999_500_000_000 {
		t.Fatalf("FirstTime = %d, want 999500000000", g.FirstTime())
	}
	if g.StartTime() != 1_000_000_000_000 {
		t.Fatalf("StartTime = %d", g.StartTime())
	}
}

func assertFailedClosed(t *testing.T, g *TrafficGenerator, wantErr error) {
	t.Helper()
	if g.IsEnabled() || g.IsOperable() {
		t.Fatalf("enabled=%v operable=%v, want both false", g.IsEnabled(), g.IsOperable())
	}
	if g.NofMessages() != 0 {
		t.Fatalf("NofMessages = %d, want 0", g.NofMessages())
	}
	if g.GetMessage(0) != nil {
		t.Fatalf("GetMessage(0) returned a message")
	}
	if g.FirstTime() != 0 {
		t.Fatalf("FirstTime = %d, want 0", g.FirstTime())
	}
	if !errors.Is(g.LastError(), wantErr) {
		t.Fatalf("LastError = %v, want %v", g.LastError(), wantErr)
	}
}

func TestEnableFailsClosed(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		logger := &recordingLogger{}
		path := filepath.Join(dir, "missing.mf4")
		g := NewTrafficGenerator(path)
		g.Logger = logger
		g.Enable(true)
		assertFailedClosed(t, g, ErrFileNotFound)
		if !logger.contains(path) {
			t.Fatalf("failure not logged with the file name: %v", logger.lines)
		}
	})

	t.Run("empty filename", func(t *testing.T) {
		g := NewTrafficGenerator("")
		g.Logger = common.Discard
		g.Enable(true)
		assertFailedClosed(t, g, ErrFileNotFound)
	})

	t.Run("directory", func(t *testing.T) {
		g := NewTrafficGenerator(dir)
		g.Logger = common.Discard
		g.Enable(true)
		assertFailedClosed(t, g, ErrFileNotFound)
	})

	t.Run("not an mdf file", func(t *testing.T) {
		path := filepath.Join(dir, "notes.txt")
		if err := os.WriteFile(path, []byte("these are not the bytes you are looking for, not at all, no"), 0o644); err != nil {
			t.Fatal(err)
		}
		g := NewTrafficGenerator(path)
		g.Logger = common.Discard
		g.Enable(true)
		assertFailedClosed(t, g, ErrNotMdfFile)
	})

	t.Run("metadata error", func(t *testing.T) {
		g, _ := fakeGenerator(t, &fakeFile{metaErr: errors.New("broken chain")})
		g.Enable(true)
		assertFailedClosed(t, g, ErrMetadataRead)
	})

	t.Run("open error", func(t *testing.T) {
		g, _ := fakeGenerator(t, nil)
		g.Open = func(string) (MdfFile, error) { return nil, mdf.ErrNoHeader }
		g.Enable(true)
		assertFailedClosed(t, g, ErrMetadataRead)
	})

	t.Run("no header", func(t *testing.T) {
		g, _ := fakeGenerator(t, &fakeFile{noHeader: true, groups: []*fakeDataGroup{newDataGroup(canGroup(dataFrame(0, 1)))}})
		g.Enable(true)
		assertFailedClosed(t, g, ErrMetadataRead)
	})

	t.Run("no data groups", func(t *testing.T) {
		g, _ := fakeGenerator(t, &fakeFile{})
		g.Enable(true)
		assertFailedClosed(t, g, ErrMetadataRead)
	})

	t.Run("data block error discards earlier groups", func(t *testing.T) {
		broken := newDataGroup(canGroup(dataFrame(0, 2)))
		broken.readErr = mdf.ErrTruncatedRecord
		file := &fakeFile{groups: []*fakeDataGroup{newDataGroup(canGroup(dataFrame(0, 1))), broken}}
		g, logger := fakeGenerator(t, file)
		g.Enable(true)
		assertFailedClosed(t, g, ErrDataBlockRead)
		if !errors.Is(g.LastError(), ErrDataBlockRead) || !logger.contains("data group 1") {
			t.Fatalf("log does not name the data group: %v", logger.lines)
		}
	})
}

func TestFailureAfterSuccessClearsMessages(t *testing.T) {
	file := &fakeFile{groups: []*fakeDataGroup{newDataGroup(canGroup(dataFrame(0, 1)))}}
	g, _ := fakeGenerator(t, file)
	g.Enable(true)
	if g.NofMessages() != 1 {
		t.Fatalf("NofMessages = %d, want 1", g.NofMessages())
	}
	file.metaErr = errors.New("gone")
	g.Enable(true)
	assertFailedClosed(t, g, ErrMetadataRead)
}

func TestEnableFalseClears(t *testing.T) {
	g, _ := fakeGenerator(t, &fakeFile{groups: []*fakeDataGroup{newDataGroup(canGroup(dataFrame(0, 1)))}})
	g.Enable(true)
	g.Enable(false)
	if g.IsEnabled() || g.IsOperable() || g.NofMessages() != 0 {
		t.Fatalf("Enable(false) left enabled=%v operable=%v messages=%d", g.IsEnabled(), g.IsOperable(), g.NofMessages())
	}
	if g.LastError() != nil {
		t.Fatalf("LastError = %v after Enable(false)", g.LastError())
	}
}

func TestIneligibleGroupsAreNotRead(t *testing.T) {
	vlsd := &fakeChannelGroup{
		name:    "CAN_DataFrame",
		flags:   mdf.CgFlagVlsd | mdf.CgFlagBusEvent,
		bus:     mdf.BusTypeCan,
		samples: 100,
		frames:  []fakeFrame{dataFrame(0, 1)},
	}
	file := &fakeFile{groups: []*fakeDataGroup{newDataGroup(vlsd)}}
	g, _ := fakeGenerator(t, file)
	g.Enable(true)
	if file.reads != 0 {
		t.Fatalf("data reads = %d, want 0", file.reads)
	}
	if !g.IsOperable() || g.NofMessages() != 0 {
		t.Fatalf("operable=%v messages=%d, want operable and empty", g.IsOperable(), g.NofMessages())
	}
}

func TestGetMessageBounds(t *testing.T) {
	g, _ := fakeGenerator(t, &fakeFile{groups: []*fakeDataGroup{newDataGroup(canGroup(dataFrame(0, 1)))}})
	g.Enable(true)
	for _, index := range []int{-1, 1, 100} {
		if msg := g.GetMessage(index); msg != nil {
			t.Fatalf("GetMessage(%d) = %v, want nil", index, msg)
		}
	}
	if g.GetMessage(0) == nil {
		t.Fatalf("GetMessage(0) = nil")
	}
}

func TestTrafficGeneratorReadsMdfFile(t *testing.T) {
	const start = 1_700_000_000_000_000_000
	w := mdf.NewWriter(start)
	w.Compress = true
	w.Add(0.002, mdf.CanMessage{Type: mdf.CanDataFrame, BusChannel: 1, CanID: 0x100, Dlc: 1, DataBytes: []byte{0xAA}})
	w.Add(-0.001, mdf.CanMessage{Type: mdf.CanDataFrame, BusChannel: 2, CanID: 0x1ABCDE, ExtendedID: true, Dlc: 2, DataBytes: []byte{1, 2}, Dir: 1, Brs: true})
	w.Add(0.001, mdf.CanMessage{Type: mdf.CanRemoteFrame, CanID: 0x200, Rtr: true})
	w.Add(0.003, mdf.CanMessage{Type: mdf.CanErrorFrame, CanID: 0x300})
	path := filepath.Join(t.TempDir(), "trace.mf4")
	if err := w.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	g := NewTrafficGenerator(path)
	g.Logger = common.Discard
	g.Metrics = common.NewMetrics()
	g.Enable(true)
	if !g.IsOperable() {
		t.Fatalf("not operable: %v", g.LastError())
	}
	if g.NofMessages() != 2 {
		t.Fatalf("NofMessages = %d, want 2", g.NofMessages())
	}
	first, ok := g.GetMessage(0).(*CanDataFrame)
	if !ok {
		t.Fatalf("GetMessage(0) is %T", g.GetMessage(0))
	}
	want := CanFields{
		BusChannel: 2,
		MessageID:  0x1ABCDE | 0x80000000,
		CanID:      0x1ABCDE,
		ExtendedID: true,
		Dlc:        2,
		DataLength: 2,
		DataBytes:  []byte{1, 2},
		Direction:  DirectionTx,
		Brs:        true,
	}
	if diff := cmp.Diff(want, first.Fields()); diff != "" {
		t.Fatalf("fields (-want +got):\n%s", diff)
	}
	if first.Timestamp() != start-1_000_000 {
		t.Fatalf("Timestamp = %d, want %d", first.Timestamp(), int64(start-1_000_000))
	}
	if g.GetMessage(1).Timestamp() != start+2_000_000 {
		t.Fatalf("second Timestamp = %d", g.GetMessage(1).Timestamp())
	}
	if snap := g.Metrics.Snapshot(); snap.Records == 0 || snap.Messages != 2 {
		t.Fatalf("metrics records=%d messages=%d", snap.Records, snap.Messages)
	}
}

func TestEnableRecoversDecodePanic(t *testing.T) {
	broken := newDataGroup(canGroup(dataFrame(0, 1)))
	broken.readPanic = "index out of range"
	g, logger := fakeGenerator(t, &fakeFile{groups: []*fakeDataGroup{broken}})
	g.Enable(true)
	assertFailedClosed(t, g, ErrDataBlockRead)
	if !logger.contains(g.Filename) || !logger.contains("index out of range") {
		t.Fatalf("panic not logged with the file name: %v", logger.lines)
	}
}

func TestAttachFailureDetachesObservers(t *testing.T) {
	rejected := canGroup(dataFrame(0, 2))
	dg := newDataGroup(canGroup(dataFrame(0, 1)), rejected)
	dg.attachFail = rejected
	file := &fakeFile{groups: []*fakeDataGroup{dg}}
	g, _ := fakeGenerator(t, file)
	g.Enable(true)
	assertFailedClosed(t, g, ErrDataBlockRead)
	if len(dg.observers) != 0 {
		t.Fatalf("%d observers left attached", len(dg.observers))
	}
	if file.reads != 0 {
		t.Fatalf("data reads = %d, want 0", file.reads)
	}
}

func TestDecodeErrorsAreReported(t *testing.T) {
	dg := newDataGroup(canGroup(dataFrame(0, 1)))
	dg.decodeErrors = 2
	g, logger := fakeGenerator(t, &fakeFile{groups: []*fakeDataGroup{dg}})
	g.Enable(true)
	if !g.IsOperable() || g.NofMessages() != 1 {
		t.Fatalf("operable=%v messages=%d, want operable with 1 message", g.IsOperable(), g.NofMessages())
	}
	if g.DecodeErrors() != 2 {
		t.Fatalf("DecodeErrors = %d, want 2", g.DecodeErrors())
	}
	if !logger.contains("skipped 2 undecodable records") {
		t.Fatalf("decode errors not logged: %v", logger.lines)
	}
	g.Enable(false)
	if g.DecodeErrors() != 0 {
		t.Fatalf("DecodeErrors = %d after Enable(false)", g.DecodeErrors())
	}
}

// writeDamagedMdf writes two CAN data frames with layout and lets damage
// rewrite the raw file first.
func writeDamagedMdf(t *testing.T, layout mdf.DataBytesLayout, damage func(raw []byte)) string {
	t.Helper()
	w := mdf.NewWriter(1_000_000_000)
	w.Layout = layout
	w.Add(0.001, mdf.CanMessage{Type: mdf.CanDataFrame, BusChannel: 1, CanID: 0x100, Dlc: 1, DataBytes: []byte{0xAA}})
	w.Add(0.002, mdf.CanMessage{Type: mdf.CanDataFrame, BusChannel: 1, CanID: 0x101, Dlc: 1, DataBytes: []byte{0xBB}})
	raw, err := w.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	damage(raw)
	path := filepath.Join(t.TempDir(), "damaged.mf4")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

// blockData returns the offset of the data section of the first ##id block
// with linkCount links.
func blockData(t *testing.T, raw []byte, id string, linkCount int) int {
	t.Helper()
	idx := bytes.Index(raw, []byte("##"+id))
	if idx < 0 {
		t.Fatalf("no ##%s block", id)
	}
	return idx + 24 + 8*linkCount
}

func TestDamagedMdfFile(t *testing.T) {
	t.Run("zero size records fail closed", func(t *testing.T) {
		path := writeDamagedMdf(t, mdf.DataBytesFixed, func(raw []byte) {
			data := blockData(t, raw, "CG", 6)
			binary.LittleEndian.PutUint32(raw[data+24:data+28], 0)
		})
		g := NewTrafficGenerator(path)
		g.Logger = common.Discard
		done := make(chan struct{})
		go func() {
			defer close(done)
			g.Enable(true)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("Enable(true) did not return on zero size records")
		}
		assertFailedClosed(t, g, ErrDataBlockRead)
		if !errors.Is(g.LastError(), mdf.ErrBlockLength) {
			t.Fatalf("LastError = %v, want mdf.ErrBlockLength in the chain", g.LastError())
		}
	})

	t.Run("signal data offset overflow skips the frame", func(t *testing.T) {
		path := writeDamagedMdf(t, mdf.DataBytesSignalData, func(raw []byte) {
			data := blockData(t, raw, "DT", 0)
			binary.LittleEndian.PutUint64(raw[data+24:data+32], 0xFFFFFFFFFFFFFFFE)
		})
		g := NewTrafficGenerator(path)
		g.Logger = common.Discard
		g.Enable(true)
		if !g.IsOperable() {
			t.Fatalf("not operable: %v", g.LastError())
		}
		if g.NofMessages() != 1 || g.DecodeErrors() != 1 {
			t.Fatalf("messages=%d decodeErrors=%d, want 1 and 1", g.NofMessages(), g.DecodeErrors())
		}
		frame := g.GetMessage(0).(*CanDataFrame)
		if frame.CanID() != 0x101 {
			t.Fatalf("kept CanID 0x%X, want 0x101", frame.CanID())
		}
	})
}
