package mdf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	idBlockSize       = 64
	blockHeaderSize   = 24
	metaWindowSize    = 64 << 10
	maxBlockSize      = 1 << 32
	maxTextBlockBytes = 1 << 20
)

type dataSource interface {
	Size() int64
	ReadAt(p []byte, offset int64) (int, error)
	Close() error
}

// blockSource serves the many small metadata block reads of an MDF file from
// a read window. Requests larger than a quarter window go to the file.
type blockSource struct {
	file   *os.File
	size   int64
	window []byte
	winOff int64
}

func newBlockSource(f *os.File, size int64) *blockSource {
	return &blockSource{file: f, size: size}
}

func (bs *blockSource) Size() int64 {
	return bs.size
}

func (bs *blockSource) Close() error {
	if bs.file == nil {
		return nil
	}
	err := bs.file.Close()
	bs.file = nil
	bs.window = nil
	return err
}

func (bs *blockSource) ReadAt(p []byte, offset int64) (int, error) {
	if bs.file == nil {
		return 0, os.ErrClosed
	}
	if offset < 0 || offset >= bs.size {
		return 0, io.EOF
	}
	end := offset + int64(len(p))
	if offset >= bs.winOff && end <= bs.winOff+int64(len(bs.window)) {
		return copy(p, bs.window[offset-bs.winOff:]), nil
	}
	if len(p) > metaWindowSize/4 {
		return bs.file.ReadAt(p, offset)
	}
	if err := bs.fill(offset); err != nil {
		return 0, err
	}
	n := copy(p, bs.window)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// fill moves the window to start at offset.
func (bs *blockSource) fill(offset int64) error {
	want := int64(metaWindowSize)
	if rest := bs.size - offset; rest < want {
		want = rest
	}
	if cap(bs.window) < metaWindowSize {
		bs.window = make([]byte, metaWindowSize)
	}
	n, err := bs.file.ReadAt(bs.window[:want], offset)
	bs.winOff = offset
	bs.window = bs.window[:n]
	if err != nil && !errors.Is(err, io.EOF) {
		bs.window = bs.window[:0]
		return err
	}
	return nil
}

// readExact returns length bytes at offset or io.ErrUnexpectedEOF.
func readExact(src dataSource, offset int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := src.ReadAt(buf, offset)
	if n < length {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// block is a generic MDF 4 block: "##XX" id, links and the data section.
type block struct {
	ID     string
	Offset int64
	Links  []int64
	Data   []byte
}

func (b *block) link(i int) int64 {
	if i < 0 || i >= len(b.Links) {
		return 0
	}
	return b.Links[i]
}

func readBlock(src dataSource, offset int64) (*block, error) {
	if offset <= 0 {
		return nil, fmt.Errorf("%w: nil link", ErrBlockID)
	}
	hdr, err := readExact(src, offset, blockHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("block header at %d: %w", offset, err)
	}
	if hdr[0] != '#' || hdr[1] != '#' {
		return nil, fmt.Errorf("%w: at offset %d", ErrBlockID, offset)
	}
	id := string(hdr[2:4])
	length := binary.LittleEndian.Uint64(hdr[8:16])
	linkCount := binary.LittleEndian.Uint64(hdr[16:24])
	if length < blockHeaderSize || length > maxBlockSize || linkCount > (length-blockHeaderSize)/8 {
		return nil, fmt.Errorf("%w: ##%s at %d has length %d with %d links", ErrBlockLength, id, offset, length, linkCount)
	}
	if offset+int64(length) > src.Size() {
		return nil, fmt.Errorf("##%s at %d: %w", id, offset, io.ErrUnexpectedEOF)
	}
	body, err := readExact(src, offset+blockHeaderSize, int(length)-blockHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("##%s at %d: %w", id, offset, err)
	}
	b := &block{ID: id, Offset: offset, Links: make([]int64, linkCount)}
	for i := range b.Links {
		b.Links[i] = int64(binary.LittleEndian.Uint64(body[i*8 : i*8+8]))
	}
	b.Data = body[linkCount*8:]
	return b, nil
}

func expectBlock(src dataSource, offset int64, ids ...string) (*block, error) {
	b, err := readBlock(src, offset)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if b.ID == id {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: expected ##%v at %d, found ##%s", ErrBlockID, ids, offset, b.ID)
}

// readText returns the content of a ##TX or ##MD block, or "" for a nil link.
func readText(src dataSource, offset int64) (string, error) {
	if offset == 0 {
		return "", nil
	}
	b, err := expectBlock(src, offset, "TX", "MD")
	if err != nil {
		return "", err
	}
	data := b.Data
	if len(data) > maxTextBlockBytes {
		data = data[:maxTextBlockBytes]
	}
	for i, c := range data {
		if c == 0 {
			data = data[:i]
			break
		}
	}
	return string(data), nil
}
