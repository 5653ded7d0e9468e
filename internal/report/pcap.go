package report

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// LinkTypeSocketCAN is LINKTYPE_CAN_SOCKETCAN.
const LinkTypeSocketCAN layers.LinkType = 227

const (
	socketCANHeaderSize = 8
	canEffFlag          = 0x80000000
	canRtrFlag          = 0x40000000
	canFdFlagBRS        = 0x01
	canFdFlagESI        = 0x02
	canFdFlagFDF        = 0x04
	pcapSnapLen         = socketCANHeaderSize + 64
)

// socketCANPacket lays a record out as struct can_frame or canfd_frame, with
// the id in network byte order.
func socketCANPacket(rec MessageRecord) []byte {
	fd := len(rec.Data) > 8 || hasFlag(rec.Flags, "EDL")
	size := 8
	if fd {
		size = 64
	}
	pkt := make([]byte, socketCANHeaderSize+size)
	id := rec.CanID
	if rec.Extended {
		id = id&0x1FFFFFFF | canEffFlag
	} else {
		id &= 0x7FF
	}
	if hasFlag(rec.Flags, "RTR") {
		id |= canRtrFlag
	}
	binary.BigEndian.PutUint32(pkt[0:4], id)
	pkt[4] = byte(len(rec.Data))
	if fd {
		pkt[5] = canFdFlagFDF
		if hasFlag(rec.Flags, "BRS") {
			pkt[5] |= canFdFlagBRS
		}
		if hasFlag(rec.Flags, "ESI") {
			pkt[5] |= canFdFlagESI
		}
	}
	copy(pkt[socketCANHeaderSize:], rec.Data)
	return pkt
}

func hasFlag(flags []string, name string) bool {
	for _, f := range flags {
		if f == name {
			return true
		}
	}
	return false
}

// WritePCAP writes the records as a nanosecond pcap capture readable by
// Wireshark and returns the number of packets.
func WritePCAP(w io.Writer, records []MessageRecord) (int, error) {
	pw := pcapgo.NewWriterNanos(w)
	if err := pw.WriteFileHeader(pcapSnapLen, LinkTypeSocketCAN); err != nil {
		return 0, err
	}
	for i, rec := range records {
		pkt := socketCANPacket(rec)
		ci := gopacket.CaptureInfo{
			Timestamp:     time.Unix(0, rec.Timestamp).UTC(),
			CaptureLength: len(pkt),
			Length:        len(pkt),
		}
		if err := pw.WritePacket(ci, pkt); err != nil {
			return i, err
		}
	}
	return len(records), nil
}
