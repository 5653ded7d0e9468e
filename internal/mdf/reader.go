package mdf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"example.com/busmaster/internal/common"
)

var (
	ErrNotMdf          = errors.New("not an MDF file")
	ErrUnsupported     = errors.New("unsupported MDF version")
	ErrNoHeader        = errors.New("no ##HD block")
	ErrBlockID         = errors.New("unexpected block id")
	ErrBlockLength     = errors.New("invalid block length")
	ErrUnsupportedZip  = errors.New("unsupported zip type")
	ErrTruncatedRecord = errors.New("truncated record")
	ErrUnknownRecordID = errors.New("unknown record id")
)

var (
	fileIDFinalized   = []byte("MDF     ")
	fileIDUnfinalized = []byte("UnFinMF ")
)

// IsMdfFile is a cheap check of the file identification bytes.
func IsMdfFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	buf := make([]byte, idBlockSize)
	n, _ := f.ReadAt(buf, 0)
	if n < idBlockSize {
		return false
	}
	return bytes.Equal(buf[0:8], fileIDFinalized) || bytes.Equal(buf[0:8], fileIDUnfinalized)
}

// Reader gives access to the blocks of an MDF 4 file. Metadata is read with
// ReadEverythingButData; sample data is only read per data group by ReadData.
type Reader struct {
	path       string
	source     dataSource
	version    uint16
	header     *Header
	dataGroups []*DataGroup
	metrics    *common.Metrics
}

// Open opens the file at path and validates the identification block.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	src := newBlockSource(f, info.Size())
	r := &Reader{path: path, source: src}
	if err := r.readID(); err != nil {
		src.Close()
		return nil, err
	}
	return r, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	if r.source == nil {
		return nil
	}
	err := r.source.Close()
	r.source = nil
	return err
}

// SetMetrics attaches a metrics recorder to the reader.
func (r *Reader) SetMetrics(m *common.Metrics) {
	r.metrics = m
	if r.metrics != nil && r.source != nil {
		r.metrics.SetTotalBytes(r.source.Size())
	}
}

// Version returns the id_ver number, e.g. 410 for MDF 4.10.
func (r *Reader) Version() uint16 {
	return r.version
}

// Header returns the header block, nil before ReadEverythingButData.
func (r *Reader) Header() *Header {
	return r.header
}

// DataGroups returns the data groups in file order.
func (r *Reader) DataGroups() []*DataGroup {
	return r.dataGroups
}

func (r *Reader) readID() error {
	buf, err := readExact(r.source, 0, idBlockSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotMdf, err)
	}
	if !bytes.Equal(buf[0:8], fileIDFinalized) && !bytes.Equal(buf[0:8], fileIDUnfinalized) {
		return ErrNotMdf
	}
	r.version = binary.LittleEndian.Uint16(buf[28:30])
	if r.version < 400 {
		return fmt.Errorf("%w: %d", ErrUnsupported, r.version)
	}
	return nil
}

// ReadEverythingButData reads the header, data groups, channel groups and
// channels. Sample data is left on disk.
func (r *Reader) ReadEverythingButData() error {
	if r.source == nil {
		return os.ErrClosed
	}
	r.header = nil
	r.dataGroups = nil
	hd, err := readBlock(r.source, idBlockSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoHeader, err)
	}
	if hd.ID != "HD" {
		return fmt.Errorf("%w: found ##%s", ErrNoHeader, hd.ID)
	}
	header, err := parseHeader(hd)
	if err != nil {
		return err
	}
	r.header = header

	visited := map[int64]bool{}
	for link, index := header.firstDataGroup, 0; link != 0; index++ {
		if visited[link] {
			return fmt.Errorf("%w: data group loop at %d", ErrBlockID, link)
		}
		visited[link] = true
		b, err := expectBlock(r.source, link, "DG")
		if err != nil {
			return err
		}
		dg, err := r.parseDataGroup(b)
		if err != nil {
			return fmt.Errorf("data group %d: %w", index, err)
		}
		dg.index = index
		r.dataGroups = append(r.dataGroups, dg)
		link = b.link(0)
	}
	return nil
}

func parseHeader(b *block) (*Header, error) {
	if len(b.Data) < 16 {
		return nil, fmt.Errorf("%w: ##HD data %d bytes", ErrBlockLength, len(b.Data))
	}
	return &Header{
		StartTime:      binary.LittleEndian.Uint64(b.Data[0:8]),
		TzOffsetMin:    int16(binary.LittleEndian.Uint16(b.Data[8:10])),
		DstOffsetMin:   int16(binary.LittleEndian.Uint16(b.Data[10:12])),
		TimeFlags:      b.Data[12],
		TimeClass:      b.Data[13],
		Flags:          b.Data[14],
		firstDataGroup: b.link(0),
	}, nil
}

func (r *Reader) parseDataGroup(b *block) (*DataGroup, error) {
	dg := &DataGroup{dataLink: b.link(2)}
	if len(b.Data) > 0 {
		dg.RecordIDSize = b.Data[0]
	}
	switch dg.RecordIDSize {
	case 0, 1, 2, 4, 8:
	default:
		return nil, fmt.Errorf("%w: record id size %d", ErrBlockLength, dg.RecordIDSize)
	}
	visited := map[int64]bool{}
	for link := b.link(1); link != 0; {
		if visited[link] {
			return nil, fmt.Errorf("%w: channel group loop at %d", ErrBlockID, link)
		}
		visited[link] = true
		cgBlock, err := expectBlock(r.source, link, "CG")
		if err != nil {
			return nil, err
		}
		cg, err := r.parseChannelGroup(cgBlock)
		if err != nil {
			return nil, err
		}
		dg.ChannelGroups = append(dg.ChannelGroups, cg)
		link = cgBlock.link(0)
	}
	return dg, nil
}

func (r *Reader) parseChannelGroup(b *block) (*ChannelGroup, error) {
	if len(b.Data) < 32 {
		return nil, fmt.Errorf("%w: ##CG data %d bytes", ErrBlockLength, len(b.Data))
	}
	cg := &ChannelGroup{
		RecordID:   binary.LittleEndian.Uint64(b.Data[0:8]),
		NofSamples: binary.LittleEndian.Uint64(b.Data[8:16]),
		Flags:      CgFlag(binary.LittleEndian.Uint16(b.Data[16:18])),
		DataBytes:  binary.LittleEndian.Uint32(b.Data[24:28]),
		InvalBytes: binary.LittleEndian.Uint32(b.Data[28:32]),
		offset:     b.Offset,
	}
	name, err := readText(r.source, b.link(2))
	if err != nil {
		return nil, fmt.Errorf("channel group name: %w", err)
	}
	cg.Name = name
	if si := b.link(3); si != 0 {
		source, err := r.parseSource(si)
		if err != nil {
			return nil, err
		}
		cg.Source = source
	}
	channels, err := r.parseChannels(b.link(1), 0)
	if err != nil {
		return nil, fmt.Errorf("channel group %q: %w", cg.Name, err)
	}
	cg.Channels = channels
	return cg, nil
}

func (r *Reader) parseSource(offset int64) (*SourceInfo, error) {
	b, err := expectBlock(r.source, offset, "SI")
	if err != nil {
		return nil, err
	}
	if len(b.Data) < 3 {
		return nil, fmt.Errorf("%w: ##SI data %d bytes", ErrBlockLength, len(b.Data))
	}
	si := &SourceInfo{Type: b.Data[0], BusType: BusType(b.Data[1]), Flags: b.Data[2]}
	if si.Name, err = readText(r.source, b.link(0)); err != nil {
		return nil, err
	}
	if si.Path, err = readText(r.source, b.link(1)); err != nil {
		return nil, err
	}
	return si, nil
}

const maxCompositionDepth = 8

func (r *Reader) parseChannels(first int64, depth int) ([]*Channel, error) {
	if depth > maxCompositionDepth {
		return nil, fmt.Errorf("%w: composition nested too deep", ErrBlockID)
	}
	var out []*Channel
	visited := map[int64]bool{}
	for link := first; link != 0; {
		if visited[link] {
			return nil, fmt.Errorf("%w: channel loop at %d", ErrBlockID, link)
		}
		visited[link] = true
		b, err := expectBlock(r.source, link, "CN")
		if err != nil {
			return nil, err
		}
		cn, err := r.parseChannel(b, depth)
		if err != nil {
			return nil, err
		}
		out = append(out, cn)
		link = b.link(0)
	}
	return out, nil
}

func (r *Reader) parseChannel(b *block, depth int) (*Channel, error) {
	if len(b.Data) < 24 {
		return nil, fmt.Errorf("%w: ##CN data %d bytes", ErrBlockLength, len(b.Data))
	}
	cn := &Channel{
		Type:       b.Data[0],
		SyncType:   b.Data[1],
		DataType:   b.Data[2],
		BitOffset:  b.Data[3],
		ByteOffset: binary.LittleEndian.Uint32(b.Data[4:8]),
		BitCount:   binary.LittleEndian.Uint32(b.Data[8:12]),
		Flags:      binary.LittleEndian.Uint32(b.Data[12:16]),
		dataLink:   b.link(5),
	}
	name, err := readText(r.source, b.link(2))
	if err != nil {
		return nil, fmt.Errorf("channel name: %w", err)
	}
	cn.Name = name
	if cc := b.link(4); cc != 0 {
		conv, err := r.parseConversion(cc)
		if err != nil {
			return nil, fmt.Errorf("channel %q: %w", cn.Name, err)
		}
		cn.Conversion = conv
	}
	if comp := b.link(1); comp != 0 {
		children, err := r.parseChannels(comp, depth+1)
		if err != nil {
			return nil, fmt.Errorf("channel %q: %w", cn.Name, err)
		}
		cn.Children = children
	}
	return cn, nil
}

func (r *Reader) parseConversion(offset int64) (*Conversion, error) {
	b, err := expectBlock(r.source, offset, "CC")
	if err != nil {
		return nil, err
	}
	if len(b.Data) < 24 {
		return nil, fmt.Errorf("%w: ##CC data %d bytes", ErrBlockLength, len(b.Data))
	}
	conv := &Conversion{Type: b.Data[0]}
	count := int(binary.LittleEndian.Uint16(b.Data[6:8]))
	vals := b.Data[24:]
	for i := 0; i < count && (i+1)*8 <= len(vals); i++ {
		conv.Values = append(conv.Values, math.Float64frombits(binary.LittleEndian.Uint64(vals[i*8:i*8+8])))
	}
	return conv, nil
}
