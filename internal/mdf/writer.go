package mdf

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// DataBytesLayout selects where the payload of a CAN frame is stored.
type DataBytesLayout int

const (
	// DataBytesFixed stores up to 64 bytes inside each record.
	DataBytesFixed DataBytesLayout = iota
	// DataBytesSignalData stores the payload in an ##SD block.
	DataBytesSignalData
	// DataBytesVlsdGroup stores the payload in a VLSD channel group.
	DataBytesVlsdGroup
)

const (
	canPayloadMax     = 64
	compositeOffset   = 8
	fixedRecordSize   = 88
	offsetRecordSize  = 32
	vlsdRecordID      = 2
	frameRecordID     = 1
	fileVersionNumber = 410
)

type writerSample struct {
	relTime float64
	msg     CanMessage
}

// Writer produces an MDF 4.10 bus-logging file of CAN frames. Each message
// type present gets its own data group.
type Writer struct {
	// StartTime is the absolute start of the measurement in ns since epoch.
	StartTime uint64
	// Compress stores record data in ##DZ blocks.
	Compress bool
	// Layout selects the payload storage.
	Layout DataBytesLayout
	// BusName names the source of each channel group.
	BusName string

	samples map[MessageType][]writerSample
	count   int
}

func NewWriter(startTime uint64) *Writer {
	return &Writer{StartTime: startTime, BusName: "CAN", samples: map[MessageType][]writerSample{}}
}

// Add queues msg at relTime seconds after StartTime.
func (w *Writer) Add(relTime float64, msg CanMessage) {
	if w.samples == nil {
		w.samples = map[MessageType][]writerSample{}
	}
	kind := msg.Type
	if kind == CanUnknownFrame {
		kind = CanDataFrame
	}
	data := msg.DataBytes
	if len(data) > canPayloadMax {
		data = data[:canPayloadMax]
	}
	msg.DataBytes = append([]byte(nil), data...)
	w.samples[kind] = append(w.samples[kind], writerSample{relTime: relTime, msg: msg})
	w.count++
}

// Len is the number of queued messages.
func (w *Writer) Len() int {
	return w.count
}

// WriteFile writes the queued messages to path.
func (w *Writer) WriteFile(path string) error {
	raw, err := w.Bytes()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, raw, 0o644)
}

// Bytes renders the complete file.
func (w *Writer) Bytes() ([]byte, error) {
	fb := &fileBuilder{}
	fb.writeID()
	hd := fb.addBlock("HD", 6, w.headerData())

	var prevDG int64
	for kind := CanDataFrame; kind < CanUnknownFrame; kind++ {
		samples := w.samples[kind]
		if len(samples) == 0 {
			continue
		}
		dg, err := w.addDataGroup(fb, kind, samples)
		if err != nil {
			return nil, err
		}
		if prevDG == 0 {
			fb.setLink(hd, 0, dg)
		} else {
			fb.setLink(prevDG, 0, dg)
		}
		prevDG = dg
	}
	return fb.buf.Bytes(), nil
}

func (w *Writer) headerData() []byte {
	data := make([]byte, 32)
	binary.LittleEndian.PutUint64(data[0:8], w.StartTime)
	return data
}

func (w *Writer) addDataGroup(fb *fileBuilder, kind MessageType, samples []writerSample) (int64, error) {
	recIDSize := uint8(0)
	if w.Layout == DataBytesVlsdGroup {
		recIDSize = 1
	}
	dg := fb.addBlock("DG", 4, []byte{recIDSize, 0, 0, 0, 0, 0, 0, 0})

	recordSize := uint32(fixedRecordSize)
	if w.Layout != DataBytesFixed {
		recordSize = offsetRecordSize
	}
	cg := fb.addBlock("CG", 6, channelGroupData(frameRecordID, uint64(len(samples)), CgFlagBusEvent|CgFlagPlainBusEvent, recordSize, 0))
	fb.setLink(dg, 1, cg)
	fb.setLink(cg, 2, fb.addText(kind.String()))
	fb.setLink(cg, 3, w.addSource(fb))

	master := fb.addChannel("Timestamp", ChannelMaster, SyncTypeTime, DataFloatLE, 0, 0, 64)
	fb.setLink(cg, 1, master)
	frameBits := uint32(fixedRecordSize-compositeOffset) * 8
	if w.Layout != DataBytesFixed {
		frameBits = uint32(offsetRecordSize-compositeOffset) * 8
	}
	frame := fb.addChannel(kind.String(), ChannelFixedLength, SyncTypeNone, DataByteArray, 0, compositeOffset, frameBits)
	fb.setLink(master, 0, frame)

	var prev int64
	for _, f := range canFields {
		cnType := uint8(ChannelFixedLength)
		dataType := f.dataType
		bits := f.bitCount
		if f.name == "DataBytes" && w.Layout != DataBytesFixed {
			cnType = ChannelVlsd
			dataType = DataByteArray
			bits = 64
		}
		cn := fb.addChannel(kind.String()+"."+f.name, cnType, SyncTypeNone, dataType, f.bitOffset, f.byteOffset, bits)
		if prev == 0 {
			fb.setLink(frame, 1, cn)
		} else {
			fb.setLink(prev, 0, cn)
		}
		prev = cn
		if cnType == ChannelVlsd {
			w.linkPayload(fb, dg, cg, cn, samples)
		}
	}

	records := w.encodeRecords(kind, samples)
	dt, err := fb.addDataBlock("DT", records, int(recordSize), w.Compress)
	if err != nil {
		return 0, err
	}
	fb.setLink(dg, 2, dt)
	return dg, nil
}

// linkPayload stores the payloads of samples as signal data for cn.
func (w *Writer) linkPayload(fb *fileBuilder, dg, cg, cn int64, samples []writerSample) {
	stream := payloadStream(samples)
	switch w.Layout {
	case DataBytesSignalData:
		sd := fb.addBlock("SD", 0, stream)
		fb.setLink(cn, 5, sd)
	case DataBytesVlsdGroup:
		vlsd := fb.addBlock("CG", 6, channelGroupData(vlsdRecordID, uint64(len(samples)), CgFlagVlsd, uint32(len(stream)), uint32(uint64(len(stream))>>32)))
		fb.setLink(cg, 0, vlsd)
		fb.setLink(cn, 5, vlsd)
	}
}

func payloadStream(samples []writerSample) []byte {
	var out []byte
	for _, s := range samples {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(s.msg.DataBytes)))
		out = append(out, s.msg.DataBytes...)
	}
	return out
}

func (w *Writer) addSource(fb *fileBuilder) int64 {
	si := fb.addBlock("SI", 3, []byte{SourceBus, uint8(BusTypeCan), 0, 0, 0, 0, 0, 0})
	fb.setLink(si, 0, fb.addText(w.BusName))
	fb.setLink(si, 1, fb.addText(w.BusName))
	return si
}

func (w *Writer) encodeRecords(kind MessageType, samples []writerSample) []byte {
	var out []byte
	var vlsd []byte
	var offset uint64
	for _, s := range samples {
		var rec []byte
		if w.Layout == DataBytesFixed {
			rec = make([]byte, fixedRecordSize)
			copy(rec[24:], s.msg.DataBytes)
		} else {
			rec = make([]byte, offsetRecordSize)
			binary.LittleEndian.PutUint64(rec[24:32], offset)
			offset += 4 + uint64(len(s.msg.DataBytes))
		}
		encodeFrame(rec, s.relTime, s.msg)
		if w.Layout == DataBytesVlsdGroup {
			out = append(out, frameRecordID)
			out = append(out, rec...)
			vlsd = append(vlsd[:0], vlsdRecordID)
			vlsd = binary.LittleEndian.AppendUint32(vlsd, uint32(len(s.msg.DataBytes)))
			vlsd = append(vlsd, s.msg.DataBytes...)
			out = append(out, vlsd...)
			continue
		}
		out = append(out, rec...)
	}
	return out
}

func encodeFrame(rec []byte, relTime float64, msg CanMessage) {
	binary.LittleEndian.PutUint64(rec[0:8], math.Float64bits(relTime))
	rec[8] = msg.BusChannel
	id := msg.CanID & 0x1FFFFFFF
	if msg.ExtendedID {
		id |= extendedIDFlag
	}
	binary.LittleEndian.PutUint32(rec[9:13], id)
	rec[13] = msg.Dlc&0x0F | bit(msg.Dir != 0, 4) | bit(msg.Srr, 5) | bit(msg.Edl, 6) | bit(msg.Brs, 7)
	rec[14] = bit(msg.Esi, 0) | bit(msg.Rtr, 1) | bit(msg.WakeUp, 2) | bit(msg.SingleWire, 3) | bit(msg.R0, 4) | bit(msg.R1, 5)
	dataLength := msg.DataLength
	if dataLength == 0 || int(dataLength) > len(msg.DataBytes) {
		dataLength = uint8(len(msg.DataBytes))
	}
	rec[15] = dataLength
	binary.LittleEndian.PutUint32(rec[16:20], msg.Crc)
	binary.LittleEndian.PutUint32(rec[20:24], msg.FrameDuration)
}

func bit(set bool, pos uint) byte {
	if set {
		return 1 << pos
	}
	return 0
}

type canField struct {
	name       string
	dataType   uint8
	byteOffset uint32
	bitOffset  uint8
	bitCount   uint32
}

var canFields = []canField{
	{"BusChannel", DataUnsignedLE, 8, 0, 8},
	{"ID", DataUnsignedLE, 9, 0, 29},
	{"IDE", DataUnsignedLE, 12, 7, 1},
	{"DLC", DataUnsignedLE, 13, 0, 4},
	{"Dir", DataUnsignedLE, 13, 4, 1},
	{"SRR", DataUnsignedLE, 13, 5, 1},
	{"EDL", DataUnsignedLE, 13, 6, 1},
	{"BRS", DataUnsignedLE, 13, 7, 1},
	{"ESI", DataUnsignedLE, 14, 0, 1},
	{"RTR", DataUnsignedLE, 14, 1, 1},
	{"WakeUp", DataUnsignedLE, 14, 2, 1},
	{"SingleWire", DataUnsignedLE, 14, 3, 1},
	{"R0", DataUnsignedLE, 14, 4, 1},
	{"R1", DataUnsignedLE, 14, 5, 1},
	{"DataLength", DataUnsignedLE, 15, 0, 8},
	{"CRC", DataUnsignedLE, 16, 0, 32},
	{"FrameDuration", DataUnsignedLE, 20, 0, 32},
	{"DataBytes", DataByteArray, 24, 0, canPayloadMax * 8},
}

func channelGroupData(recordID, cycles uint64, flags CgFlag, dataBytes, invalBytes uint32) []byte {
	data := make([]byte, 32)
	binary.LittleEndian.PutUint64(data[0:8], recordID)
	binary.LittleEndian.PutUint64(data[8:16], cycles)
	binary.LittleEndian.PutUint16(data[16:18], uint16(flags))
	binary.LittleEndian.PutUint16(data[18:20], '.')
	binary.LittleEndian.PutUint32(data[24:28], dataBytes)
	binary.LittleEndian.PutUint32(data[28:32], invalBytes)
	return data
}

// fileBuilder appends 8 byte aligned blocks and patches links afterwards.
type fileBuilder struct {
	buf bytes.Buffer
}

func (fb *fileBuilder) writeID() {
	id := make([]byte, idBlockSize)
	copy(id[0:8], fileIDFinalized)
	copy(id[8:16], "4.10    ")
	copy(id[16:24], "busmastr")
	binary.LittleEndian.PutUint16(id[28:30], fileVersionNumber)
	fb.buf.Write(id)
}

func (fb *fileBuilder) align() {
	for fb.buf.Len()%8 != 0 {
		fb.buf.WriteByte(0)
	}
}

// addBlock appends a block with linkCount zero links and returns its offset.
func (fb *fileBuilder) addBlock(id string, linkCount int, data []byte) int64 {
	fb.align()
	offset := int64(fb.buf.Len())
	hdr := make([]byte, blockHeaderSize+8*linkCount)
	copy(hdr[0:4], "##"+id)
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(blockHeaderSize+8*linkCount+len(data)))
	binary.LittleEndian.PutUint64(hdr[16:24], uint64(linkCount))
	fb.buf.Write(hdr)
	fb.buf.Write(data)
	return offset
}

func (fb *fileBuilder) setLink(block int64, index int, target int64) {
	pos := block + blockHeaderSize + int64(index)*8
	binary.LittleEndian.PutUint64(fb.buf.Bytes()[pos:pos+8], uint64(target))
}

func (fb *fileBuilder) addText(s string) int64 {
	data := append([]byte(s), 0)
	for len(data)%8 != 0 {
		data = append(data, 0)
	}
	return fb.addBlock("TX", 0, data)
}

func (fb *fileBuilder) addChannel(name string, cnType, syncType, dataType, bitOffset uint8, byteOffset, bitCount uint32) int64 {
	data := make([]byte, 72)
	data[0] = cnType
	data[1] = syncType
	data[2] = dataType
	data[3] = bitOffset
	binary.LittleEndian.PutUint32(data[4:8], byteOffset)
	binary.LittleEndian.PutUint32(data[8:12], bitCount)
	cn := fb.addBlock("CN", 8, data)
	fb.setLink(cn, 2, fb.addText(name))
	return cn
}

// addDataBlock writes data as a plain block or, when compress is set, as a
// transposed ##DZ block.
func (fb *fileBuilder) addDataBlock(id string, data []byte, recordSize int, compress bool) (int64, error) {
	if !compress {
		return fb.addBlock(id, 0, data), nil
	}
	zipType := byte(zipTypeDeflate)
	param := uint32(0)
	src := data
	if recordSize > 1 && len(data) >= recordSize && len(data)%recordSize == 0 {
		zipType = zipTypeTransposed
		param = uint32(recordSize)
		src = transpose(data, recordSize)
	}
	var zipped bytes.Buffer
	zw := zlib.NewWriter(&zipped)
	if _, err := zw.Write(src); err != nil {
		return 0, fmt.Errorf("compress ##%s: %w", id, err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("compress ##%s: %w", id, err)
	}
	head := make([]byte, 24)
	copy(head[0:2], id)
	head[2] = zipType
	binary.LittleEndian.PutUint32(head[4:8], param)
	binary.LittleEndian.PutUint64(head[8:16], uint64(len(data)))
	binary.LittleEndian.PutUint64(head[16:24], uint64(zipped.Len()))
	return fb.addBlock("DZ", 0, append(head, zipped.Bytes()...)), nil
}
