package mdf

import (
	"encoding/binary"
	"fmt"
	"math"
)

// extractUint reads bitCount bits starting at byteOffset/bitOffset.
func extractUint(rec []byte, byteOffset uint32, bitOffset uint8, bitCount uint32, bigEndian bool) (uint64, bool) {
	if bitCount == 0 || bitCount > 64 || bitOffset > 7 {
		return 0, false
	}
	nbytes := (uint32(bitOffset) + bitCount + 7) / 8
	if uint64(byteOffset)+uint64(nbytes) > uint64(len(rec)) {
		return 0, false
	}
	raw := rec[byteOffset : byteOffset+nbytes]
	if nbytes > 8 {
		// 64 bits at a non-zero bit offset span nine bytes.
		var v uint64
		if bigEndian {
			v = binary.BigEndian.Uint64(raw[1:9])>>bitOffset | uint64(raw[0])<<(64-uint32(bitOffset))
		} else {
			v = binary.LittleEndian.Uint64(raw[0:8])>>bitOffset | uint64(raw[8])<<(64-uint32(bitOffset))
		}
		return v, true
	}
	var v uint64
	if bigEndian {
		for _, b := range raw {
			v = v<<8 | uint64(b)
		}
	} else {
		for i := len(raw) - 1; i >= 0; i-- {
			v = v<<8 | uint64(raw[i])
		}
	}
	v >>= bitOffset
	if bitCount < 64 {
		v &= (uint64(1) << bitCount) - 1
	}
	return v, true
}

func signExtend(v uint64, bitCount uint32) int64 {
	if bitCount == 0 || bitCount >= 64 {
		return int64(v)
	}
	shift := 64 - bitCount
	return int64(v<<shift) >> shift
}

// Value returns the physical value of a numeric channel in rec.
func (c *Channel) Value(rec []byte) (float64, error) {
	var raw float64
	switch c.DataType {
	case DataUnsignedLE, DataUnsignedBE:
		v, ok := extractUint(rec, c.ByteOffset, c.BitOffset, c.BitCount, c.DataType == DataUnsignedBE)
		if !ok {
			return 0, fmt.Errorf("%w: channel %q", ErrTruncatedRecord, c.Name)
		}
		raw = float64(v)
	case DataSignedLE, DataSignedBE:
		v, ok := extractUint(rec, c.ByteOffset, c.BitOffset, c.BitCount, c.DataType == DataSignedBE)
		if !ok {
			return 0, fmt.Errorf("%w: channel %q", ErrTruncatedRecord, c.Name)
		}
		raw = float64(signExtend(v, c.BitCount))
	case DataFloatLE, DataFloatBE:
		v, ok := extractUint(rec, c.ByteOffset, c.BitOffset, c.BitCount, c.DataType == DataFloatBE)
		if !ok {
			return 0, fmt.Errorf("%w: channel %q", ErrTruncatedRecord, c.Name)
		}
		switch c.BitCount {
		case 32:
			raw = float64(math.Float32frombits(uint32(v)))
		case 64:
			raw = math.Float64frombits(v)
		default:
			return 0, fmt.Errorf("%w: %d bit float in %q", errBadWidth, c.BitCount, c.Name)
		}
	default:
		return 0, fmt.Errorf("%w: data type %d in %q", errBadWidth, c.DataType, c.Name)
	}
	return c.Conversion.Apply(raw), nil
}

// Uint returns the raw unsigned value of an integer channel.
func (c *Channel) Uint(rec []byte) (uint64, error) {
	v, ok := extractUint(rec, c.ByteOffset, c.BitOffset, c.BitCount, c.DataType == DataUnsignedBE || c.DataType == DataSignedBE)
	if !ok {
		return 0, fmt.Errorf("%w: channel %q", ErrTruncatedRecord, c.Name)
	}
	return v, nil
}

// Bytes returns the fixed length byte array of a channel in rec.
func (c *Channel) Bytes(rec []byte) ([]byte, error) {
	n := c.BitCount / 8
	if uint64(c.ByteOffset)+uint64(n) > uint64(len(rec)) {
		return nil, fmt.Errorf("%w: channel %q", ErrTruncatedRecord, c.Name)
	}
	return rec[c.ByteOffset : c.ByteOffset+n], nil
}
