package mdf

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	zipTypeDeflate    = 0
	zipTypeTransposed = 1
)

// Observer receives the records of one channel group while the owning data
// group is read. Returning false stops delivery to that observer.
type Observer interface {
	ChannelGroup() *ChannelGroup
	OnRecord(rec Record) bool
}

// Record is one sample of a channel group, without its record id.
type Record struct {
	Sample uint64
	Data   []byte
	signal func(cn *Channel) ([]byte, error)
}

// VariableData resolves the variable length value a VLSD channel points at.
func (rec Record) VariableData(cn *Channel) ([]byte, error) {
	if cn == nil || rec.signal == nil {
		return nil, fmt.Errorf("%w: no signal data", ErrTruncatedRecord)
	}
	offset, ok := extractUint(rec.Data, cn.ByteOffset, cn.BitOffset, 64, false)
	if !ok {
		return nil, fmt.Errorf("%w: VLSD offset of %q", ErrTruncatedRecord, cn.Name)
	}
	stream, err := rec.signal(cn)
	if err != nil {
		return nil, err
	}
	size := uint64(len(stream))
	if offset > size || size-offset < 4 {
		return nil, fmt.Errorf("%w: VLSD offset %d beyond %d bytes", ErrTruncatedRecord, offset, len(stream))
	}
	n := uint64(binary.LittleEndian.Uint32(stream[offset : offset+4]))
	if n > size-offset-4 {
		return nil, fmt.Errorf("%w: VLSD value of %d bytes at %d", ErrTruncatedRecord, n, offset)
	}
	return stream[offset+4 : offset+4+n], nil
}

type splitRecord struct {
	group *ChannelGroup
	data  []byte
}

// ReadData reads the sample data of dg and delivers every record to the
// observers attached to it.
func (r *Reader) ReadData(dg *DataGroup) error {
	if r.source == nil {
		return os.ErrClosed
	}
	if dg == nil || dg.dataLink == 0 || len(dg.observers) == 0 {
		return nil
	}
	data, err := r.loadData(dg.dataLink, "DT", 0)
	if err != nil {
		return fmt.Errorf("data group %d: %w", dg.index, err)
	}
	records, vlsd, err := splitRecords(dg, data)
	if err != nil {
		return fmt.Errorf("data group %d: %w", dg.index, err)
	}

	signalCache := map[*Channel][]byte{}
	signal := func(cn *Channel) ([]byte, error) {
		if stream, ok := signalCache[cn]; ok {
			return stream, nil
		}
		stream, err := r.signalData(dg, cn, vlsd)
		if err != nil {
			return nil, err
		}
		signalCache[cn] = stream
		return stream, nil
	}

	active := make([]Observer, len(dg.observers))
	copy(active, dg.observers)
	samples := map[*ChannelGroup]uint64{}
	for _, rec := range records {
		if len(active) == 0 {
			break
		}
		sample := samples[rec.group]
		samples[rec.group] = sample + 1
		if r.metrics != nil {
			r.metrics.AddRecord(int64(len(rec.data)))
		}
		for i := 0; i < len(active); i++ {
			o := active[i]
			if o.ChannelGroup() != rec.group {
				continue
			}
			if !o.OnRecord(Record{Sample: sample, Data: rec.data, signal: signal}) {
				active = append(active[:i], active[i+1:]...)
				i--
			}
		}
	}
	return nil
}

// splitRecords cuts the data stream of a data group into records and
// collects the VLSD channel group streams in their [len][bytes] layout.
func splitRecords(dg *DataGroup, data []byte) ([]splitRecord, map[*ChannelGroup][]byte, error) {
	var records []splitRecord
	vlsd := map[*ChannelGroup][]byte{}
	idSize := int(dg.RecordIDSize)
	for pos := 0; pos < len(data); {
		var id uint64
		if idSize > 0 {
			if pos+idSize > len(data) {
				return nil, nil, fmt.Errorf("%w: record id at %d", ErrTruncatedRecord, pos)
			}
			id = readRecordID(data[pos : pos+idSize])
			pos += idSize
		}
		cg := dg.groupByRecordID(id)
		if cg == nil {
			return nil, nil, fmt.Errorf("%w: %d at %d", ErrUnknownRecordID, id, pos)
		}
		if cg.Flags&CgFlagVlsd != 0 {
			if pos+4 > len(data) {
				return nil, nil, fmt.Errorf("%w: VLSD length at %d", ErrTruncatedRecord, pos)
			}
			n := int(binary.LittleEndian.Uint32(data[pos : pos+4]))
			if pos+4+n > len(data) {
				return nil, nil, fmt.Errorf("%w: VLSD record of %d bytes at %d", ErrTruncatedRecord, n, pos)
			}
			vlsd[cg] = append(vlsd[cg], data[pos:pos+4+n]...)
			pos += 4 + n
			continue
		}
		size := cg.RecordSize()
		if size == 0 {
			return nil, nil, fmt.Errorf("%w: %q has zero-size records", ErrBlockLength, cg.Name)
		}
		if pos+size > len(data) {
			return nil, nil, fmt.Errorf("%w: %d bytes for %q at %d", ErrTruncatedRecord, size, cg.Name, pos)
		}
		records = append(records, splitRecord{group: cg, data: data[pos : pos+size]})
		pos += size
	}
	return records, vlsd, nil
}

func readRecordID(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	case 8:
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// signalData returns the VLSD stream of cn: either an ##SD chain or the
// records of a VLSD channel group in the same data group.
func (r *Reader) signalData(dg *DataGroup, cn *Channel, vlsd map[*ChannelGroup][]byte) ([]byte, error) {
	if cn.dataLink == 0 {
		return nil, fmt.Errorf("%w: channel %q has no signal data", ErrTruncatedRecord, cn.Name)
	}
	for _, cg := range dg.ChannelGroups {
		if cg.offset == cn.dataLink {
			return vlsd[cg], nil
		}
	}
	return r.loadData(cn.dataLink, "SD", 0)
}

const maxListDepth = 4

// loadData assembles the bytes behind a data link. want is the original
// block type, DT for records or SD for signal data.
func (r *Reader) loadData(offset int64, want string, depth int) ([]byte, error) {
	if depth > maxListDepth {
		return nil, fmt.Errorf("%w: data lists nested too deep", ErrBlockID)
	}
	b, err := readBlock(r.source, offset)
	if err != nil {
		return nil, err
	}
	switch b.ID {
	case want:
		return b.Data, nil
	case "DZ":
		org, data, err := inflate(b)
		if err != nil {
			return nil, fmt.Errorf("##DZ at %d: %w", offset, err)
		}
		if org != want {
			return nil, fmt.Errorf("%w: ##DZ at %d holds ##%s, want ##%s", ErrBlockID, offset, org, want)
		}
		return data, nil
	case "HL":
		return r.loadData(b.link(0), want, depth+1)
	case "DL":
		var out []byte
		visited := map[int64]bool{}
		for dl := b; dl != nil; {
			if visited[dl.Offset] {
				return nil, fmt.Errorf("%w: data list loop at %d", ErrBlockID, dl.Offset)
			}
			visited[dl.Offset] = true
			for _, link := range dl.Links[1:] {
				if link == 0 {
					continue
				}
				part, err := r.loadData(link, want, depth+1)
				if err != nil {
					return nil, err
				}
				out = append(out, part...)
			}
			next := dl.link(0)
			if next == 0 {
				break
			}
			if dl, err = expectBlock(r.source, next, "DL"); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: ##%s at %d is not a data block", ErrBlockID, b.ID, offset)
}

// inflate decompresses a ##DZ block and returns the original block type.
func inflate(b *block) (string, []byte, error) {
	if len(b.Data) < 24 {
		return "", nil, fmt.Errorf("%w: ##DZ data %d bytes", ErrBlockLength, len(b.Data))
	}
	org := string(b.Data[0:2])
	zipType := b.Data[2]
	param := binary.LittleEndian.Uint32(b.Data[4:8])
	orgLen := binary.LittleEndian.Uint64(b.Data[8:16])
	zipLen := binary.LittleEndian.Uint64(b.Data[16:24])
	if zipLen > uint64(len(b.Data)-24) {
		return "", nil, fmt.Errorf("%w: %d compressed bytes", io.ErrUnexpectedEOF, zipLen)
	}
	if zipType != zipTypeDeflate && zipType != zipTypeTransposed {
		return "", nil, fmt.Errorf("%w: %d", ErrUnsupportedZip, zipType)
	}
	zr, err := zlib.NewReader(bytes.NewReader(b.Data[24 : 24+zipLen]))
	if err != nil {
		return "", nil, err
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, int64(orgLen)))
	if err != nil {
		return "", nil, err
	}
	if uint64(len(out)) != orgLen {
		return "", nil, fmt.Errorf("%w: inflated %d of %d bytes", io.ErrUnexpectedEOF, len(out), orgLen)
	}
	if zipType == zipTypeTransposed {
		out = untranspose(out, int(param))
	}
	return org, out, nil
}

// untranspose restores row order of data stored column by column. Bytes that
// do not fill a complete row are stored as is at the end.
func untranspose(data []byte, cols int) []byte {
	if cols <= 1 || len(data) < cols {
		return data
	}
	rows := len(data) / cols
	out := make([]byte, len(data))
	for c := 0; c < cols; c++ {
		for row := 0; row < rows; row++ {
			out[row*cols+c] = data[c*rows+row]
		}
	}
	copy(out[rows*cols:], data[rows*cols:])
	return out
}

func transpose(data []byte, cols int) []byte {
	if cols <= 1 || len(data) < cols {
		return data
	}
	rows := len(data) / cols
	out := make([]byte, len(data))
	for c := 0; c < cols; c++ {
		for row := 0; row < rows; row++ {
			out[c*rows+row] = data[row*cols+c]
		}
	}
	copy(out[rows*cols:], data[rows*cols:])
	return out
}

var errBadWidth = errors.New("unsupported bit width")
