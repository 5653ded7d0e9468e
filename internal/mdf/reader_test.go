package mdf

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// counterObserver collects the values of a single unsigned channel.
type counterObserver struct {
	group  *ChannelGroup
	values []uint64
}

func (o *counterObserver) ChannelGroup() *ChannelGroup { return o.group }

func (o *counterObserver) OnRecord(rec Record) bool {
	v, err := o.group.Channels[0].Uint(rec.Data)
	if err != nil {
		return false
	}
	o.values = append(o.values, v)
	return true
}

func recordsOf(values ...uint64) []byte {
	var out []byte
	for _, v := range values {
		out = binary.LittleEndian.AppendUint64(out, v)
	}
	return out
}

// buildCounterFile writes one data group with a single u64 channel whose
// data link is produced by data.
func buildCounterFile(t *testing.T, recIDSize uint8, data func(fb *fileBuilder) int64) string {
	t.Helper()
	fb := &fileBuilder{}
	fb.writeID()
	hd := fb.addBlock("HD", 6, make([]byte, 32))
	dg := fb.addBlock("DG", 4, []byte{recIDSize, 0, 0, 0, 0, 0, 0, 0})
	fb.setLink(hd, 0, dg)
	cg := fb.addBlock("CG", 6, channelGroupData(1, 0, 0, 8, 0))
	fb.setLink(dg, 1, cg)
	fb.setLink(cg, 2, fb.addText("Counter"))
	cn := fb.addChannel("Counter.Value", ChannelFixedLength, SyncTypeNone, DataUnsignedLE, 0, 0, 64)
	fb.setLink(cg, 1, cn)
	if data != nil {
		fb.setLink(dg, 2, data(fb))
	}
	path := filepath.Join(t.TempDir(), "counter.mf4")
	if err := os.WriteFile(path, fb.buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func readCounter(path string) ([]uint64, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if err := r.ReadEverythingButData(); err != nil {
		return nil, err
	}
	dg := r.DataGroups()[0]
	obs := &counterObserver{group: dg.ChannelGroups[0]}
	dg.Attach(obs)
	if err := r.ReadData(dg); err != nil {
		return nil, err
	}
	return obs.values, nil
}

func TestReadDataLists(t *testing.T) {
	tests := []struct {
		name string
		data func(fb *fileBuilder) int64
		want []uint64
	}{
		{
			name: "plain",
			data: func(fb *fileBuilder) int64 { return fb.addBlock("DT", 0, recordsOf(1, 2, 3)) },
			want: []uint64{1, 2, 3},
		},
		{
			name: "data list chain",
			data: func(fb *fileBuilder) int64 {
				first := fb.addBlock("DL", 3, make([]byte, 8))
				fb.setLink(first, 1, fb.addBlock("DT", 0, recordsOf(1)))
				fb.setLink(first, 2, fb.addBlock("DT", 0, recordsOf(2, 3)))
				second := fb.addBlock("DL", 2, make([]byte, 8))
				fb.setLink(first, 0, second)
				fb.setLink(second, 1, fb.addBlock("DT", 0, recordsOf(4)))
				return first
			},
			want: []uint64{1, 2, 3, 4},
		},
		{
			name: "header list with compressed blocks",
			data: func(fb *fileBuilder) int64 {
				dl := fb.addBlock("DL", 3, make([]byte, 8))
				dz, err := fb.addDataBlock("DT", recordsOf(10, 20), 8, true)
				if err != nil {
					t.Fatalf("addDataBlock: %v", err)
				}
				fb.setLink(dl, 1, dz)
				plain, _ := fb.addDataBlock("DT", recordsOf(30), 8, false)
				fb.setLink(dl, 2, plain)
				hl := fb.addBlock("HL", 1, make([]byte, 8))
				fb.setLink(hl, 0, dl)
				return hl
			},
			want: []uint64{10, 20, 30},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := readCounter(buildCounterFile(t, 0, tc.data))
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("values mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReadDataErrors(t *testing.T) {
	tests := []struct {
		name      string
		recIDSize uint8
		data      func(fb *fileBuilder) int64
		wantErr   error
	}{
		{
			name:    "truncated record",
			data:    func(fb *fileBuilder) int64 { return fb.addBlock("DT", 0, recordsOf(1)[:5]) },
			wantErr: ErrTruncatedRecord,
		},
		{
			name:      "unknown record id",
			recIDSize: 1,
			data:      func(fb *fileBuilder) int64 { return fb.addBlock("DT", 0, append([]byte{9}, recordsOf(1)...)) },
			wantErr:   ErrUnknownRecordID,
		},
		{
			name: "data list loop",
			data: func(fb *fileBuilder) int64 {
				dl := fb.addBlock("DL", 2, make([]byte, 8))
				fb.setLink(dl, 0, dl)
				fb.setLink(dl, 1, fb.addBlock("DT", 0, recordsOf(1)))
				return dl
			},
			wantErr: ErrBlockID,
		},
		{
			name:    "not a data block",
			data:    func(fb *fileBuilder) int64 { return fb.addText("oops") },
			wantErr: ErrBlockID,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := readCounter(buildCounterFile(t, tc.recIDSize, tc.data))
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

// buildCanFile writes one CAN_DataFrame group whose DataBytes channel sits at
// offset 0, as a VLSD channel on a 16 byte ##SD block when vlsd is set.
func buildCanFile(t *testing.T, dataBytes uint32, vlsd bool, data func(fb *fileBuilder) int64) string {
	t.Helper()
	fb := &fileBuilder{}
	fb.writeID()
	hd := fb.addBlock("HD", 6, make([]byte, 32))
	dg := fb.addBlock("DG", 4, make([]byte, 8))
	fb.setLink(hd, 0, dg)
	cg := fb.addBlock("CG", 6, channelGroupData(0, 1, CgFlagBusEvent, dataBytes, 0))
	fb.setLink(dg, 1, cg)
	fb.setLink(cg, 2, fb.addText("CAN_DataFrame"))
	cnType := uint8(ChannelFixedLength)
	if vlsd {
		cnType = ChannelVlsd
	}
	cn := fb.addChannel("CAN_DataFrame.DataBytes", cnType, SyncTypeNone, DataByteArray, 0, 0, 64)
	fb.setLink(cg, 1, cn)
	if vlsd {
		fb.setLink(cn, 5, fb.addBlock("SD", 0, make([]byte, 16)))
	}
	fb.setLink(dg, 2, data(fb))
	path := filepath.Join(t.TempDir(), "frames.mf4")
	if err := os.WriteFile(path, fb.buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestReadDataMalformed(t *testing.T) {
	tests := []struct {
		name             string
		dataBytes        uint32
		vlsd             bool
		data             func(fb *fileBuilder) int64
		wantErr          error
		wantDecodeErrors int
	}{
		{
			name:             "vlsd offset overflow",
			dataBytes:        8,
			vlsd:             true,
			data:             func(fb *fileBuilder) int64 { return fb.addBlock("DT", 0, recordsOf(0xFFFFFFFFFFFFFFFE)) },
			wantDecodeErrors: 1,
		},
		{
			name:    "zero size record",
			data:    func(fb *fileBuilder) int64 { return fb.addBlock("DT", 0, []byte{1, 2, 3}) },
			wantErr: ErrBlockLength,
		},
		{
			name:      "data list entry is not a data block",
			dataBytes: 8,
			data: func(fb *fileBuilder) int64 {
				dl := fb.addBlock("DL", 2, make([]byte, 8))
				fb.setLink(dl, 1, fb.addText("not data"))
				return dl
			},
			wantErr: ErrBlockID,
		},
		{
			name:      "compressed length larger than inflated",
			dataBytes: 8,
			data: func(fb *fileBuilder) int64 {
				dz, err := fb.addDataBlock("DT", recordsOf(7), 8, true)
				if err != nil {
					t.Fatalf("addDataBlock: %v", err)
				}
				pos := dz + blockHeaderSize + 8
				binary.LittleEndian.PutUint64(fb.buf.Bytes()[pos:pos+8], 108)
				return dz
			},
			wantErr: io.ErrUnexpectedEOF,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r, err := Open(buildCanFile(t, tc.dataBytes, tc.vlsd, tc.data))
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer r.Close()
			if err := r.ReadEverythingButData(); err != nil {
				t.Fatalf("ReadEverythingButData: %v", err)
			}
			dg := r.DataGroups()[0]
			obs := NewCanObserver(dg, dg.ChannelGroups[0])
			delivered := 0
			obs.OnCanMessage = func(float64, CanMessage) bool {
				delivered++
				return true
			}
			err = r.ReadData(dg)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
			} else if err != nil {
				t.Fatalf("ReadData: %v", err)
			}
			if obs.DecodeErrors() != tc.wantDecodeErrors {
				t.Fatalf("DecodeErrors = %d, want %d", obs.DecodeErrors(), tc.wantDecodeErrors)
			}
			if tc.wantDecodeErrors > 0 && delivered != 0 {
				t.Fatalf("delivered %d undecodable records", delivered)
			}
		})
	}
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Open(filepath.Join(dir, "missing.mf4")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing file: got %v", err)
	}

	garbage := filepath.Join(dir, "garbage.mf4")
	if err := os.WriteFile(garbage, []byte("definitely not a measurement file, just some text padding it out"), 0o644); err != nil {
		t.Fatal(err)
	}
	if IsMdfFile(garbage) {
		t.Fatalf("IsMdfFile(garbage) = true")
	}
	if _, err := Open(garbage); !errors.Is(err, ErrNotMdf) {
		t.Fatalf("garbage: expected ErrNotMdf, got %v", err)
	}

	short := filepath.Join(dir, "short.mf4")
	if err := os.WriteFile(short, []byte("MDF     "), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(short); !errors.Is(err, ErrNotMdf) {
		t.Fatalf("short: expected ErrNotMdf, got %v", err)
	}

	old := make([]byte, idBlockSize)
	copy(old, "MDF     3.30    ")
	binary.LittleEndian.PutUint16(old[28:30], 330)
	oldPath := filepath.Join(dir, "old.mdf")
	if err := os.WriteFile(oldPath, old, 0o644); err != nil {
		t.Fatal(err)
	}
	if !IsMdfFile(oldPath) {
		t.Fatalf("IsMdfFile(old) = false")
	}
	if _, err := Open(oldPath); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("old: expected ErrUnsupported, got %v", err)
	}
}

func TestReadEverythingButDataErrors(t *testing.T) {
	t.Run("missing header", func(t *testing.T) {
		fb := &fileBuilder{}
		fb.writeID()
		fb.addText("no header here")
		path := filepath.Join(t.TempDir(), "nohd.mf4")
		if err := os.WriteFile(path, fb.buf.Bytes(), 0o644); err != nil {
			t.Fatal(err)
		}
		r, err := Open(path)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer r.Close()
		if err := r.ReadEverythingButData(); !errors.Is(err, ErrNoHeader) {
			t.Fatalf("expected ErrNoHeader, got %v", err)
		}
	})

	t.Run("channel loop", func(t *testing.T) {
		fb := &fileBuilder{}
		fb.writeID()
		hd := fb.addBlock("HD", 6, make([]byte, 32))
		dg := fb.addBlock("DG", 4, make([]byte, 8))
		fb.setLink(hd, 0, dg)
		cg := fb.addBlock("CG", 6, channelGroupData(0, 0, 0, 8, 0))
		fb.setLink(dg, 1, cg)
		cn := fb.addChannel("Loop", ChannelFixedLength, SyncTypeNone, DataUnsignedLE, 0, 0, 8)
		fb.setLink(cn, 0, cn)
		fb.setLink(cg, 1, cn)
		path := filepath.Join(t.TempDir(), "loop.mf4")
		if err := os.WriteFile(path, fb.buf.Bytes(), 0o644); err != nil {
			t.Fatal(err)
		}
		r, err := Open(path)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer r.Close()
		if err := r.ReadEverythingButData(); !errors.Is(err, ErrBlockID) {
			t.Fatalf("expected ErrBlockID, got %v", err)
		}
	})

	t.Run("closed reader", func(t *testing.T) {
		path := buildCounterFile(t, 0, nil)
		r, err := Open(path)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		r.Close()
		if err := r.ReadEverythingButData(); !errors.Is(err, os.ErrClosed) {
			t.Fatalf("expected os.ErrClosed, got %v", err)
		}
	})
}

func TestConversionApplied(t *testing.T) {
	fb := &fileBuilder{}
	fb.writeID()
	hd := fb.addBlock("HD", 6, make([]byte, 32))
	dg := fb.addBlock("DG", 4, make([]byte, 8))
	fb.setLink(hd, 0, dg)
	cg := fb.addBlock("CG", 6, channelGroupData(0, 2, 0, 2, 0))
	fb.setLink(dg, 1, cg)
	cn := fb.addChannel("Speed", ChannelFixedLength, SyncTypeNone, DataSignedLE, 0, 0, 16)
	fb.setLink(cg, 1, cn)
	cc := make([]byte, 24+16)
	cc[0] = 1
	binary.LittleEndian.PutUint16(cc[6:8], 2)
	binary.LittleEndian.PutUint64(cc[24:32], 0x4024000000000000) // 10.0
	binary.LittleEndian.PutUint64(cc[32:40], 0x3FE0000000000000) // 0.5
	fb.setLink(cn, 4, fb.addBlock("CC", 4, cc))
	fb.setLink(dg, 2, fb.addBlock("DT", 0, []byte{0x04, 0x00, 0xFC, 0xFF}))
	path := filepath.Join(t.TempDir(), "conv.mf4")
	if err := os.WriteFile(path, fb.buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	if err := r.ReadEverythingButData(); err != nil {
		t.Fatalf("ReadEverythingButData: %v", err)
	}
	group := r.DataGroups()[0].ChannelGroups[0]
	var got []float64
	r.DataGroups()[0].Attach(&funcObserver{group: group, fn: func(rec Record) bool {
		v, err := group.Channels[0].Value(rec.Data)
		if err != nil {
			t.Fatalf("Value: %v", err)
		}
		got = append(got, v)
		return true
	}})
	if err := r.ReadData(r.DataGroups()[0]); err != nil {
		t.Fatalf("ReadData: %v", err)
	}
	if diff := cmp.Diff([]float64{12, 8}, got); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
}

type funcObserver struct {
	group *ChannelGroup
	fn    func(rec Record) bool
}

func (o *funcObserver) ChannelGroup() *ChannelGroup { return o.group }
func (o *funcObserver) OnRecord(rec Record) bool { return o.fn(rec) }
