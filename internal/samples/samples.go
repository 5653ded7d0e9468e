// Package samples builds a deterministic demo setup: an MDF bus log, a DBC
// file describing its frames and a project tying both together.
package samples

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"example.com/busmaster/internal/mdf"
)

const (
	MdfFileName     = "sample.mf4"
	DbcFileName     = "sample.dbc"
	ProjectFileName = "sample.yaml"

	EngineDataID = 0x100
	ExtStatusID  = 0x18FEF100
	FdStatusID   = 0x200
	RemoteID     = 0x300

	// Frame counts of the sample log.
	EngineDataFrames = 105
	ExtStatusFrames  = 10
	FdStatusFrames   = 20
	DataFrames       = EngineDataFrames + ExtStatusFrames + FdStatusFrames
	ErrorFrames      = 2
	RemoteFrames     = 1

	// FirstRelativeMs is the pre-trigger offset of the first frame.
	FirstRelativeMs = -50
)

// StartTime is the header start time of the sample log.
var StartTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Frame is one message of the sample log at a relative time in ms.
type Frame struct {
	RelativeMs int
	Message    mdf.CanMessage
}

// RelativeSeconds is the time as stored in the file.
func (f Frame) RelativeSeconds() float64 {
	return float64(f.RelativeMs) / 1000
}

// Traffic returns the sample frames in file order, grouped by identifier.
func Traffic() []Frame {
	var frames []Frame
	for ms := FirstRelativeMs; ms < 1000; ms += 10 {
		rpm := uint16((1000 + ms) * 8)
		data := make([]byte, 8)
		binary.LittleEndian.PutUint16(data[0:2], rpm)
		data[2] = byte(ms/250+1) & 0x0F
		if ms >= 0 {
			data[2] |= 1 << 4
		}
		frames = append(frames, Frame{ms, dataFrame(1, EngineDataID, false, data)})
	}
	for ms := 0; ms < 1000; ms += 100 {
		data := []byte{byte(60 + ms/100), 0, 0, 0, 0, 0, 0, 0}
		msg := dataFrame(1, ExtStatusID, true, data)
		msg.Dir = 1
		frames = append(frames, Frame{ms, msg})
	}
	for ms := 5; ms < 1000; ms += 50 {
		data := make([]byte, 12)
		binary.LittleEndian.PutUint32(data[0:4], uint32(ms))
		msg := dataFrame(2, FdStatusID, false, data)
		msg.Dlc = 9
		msg.Edl = true
		msg.Brs = true
		frames = append(frames, Frame{ms, msg})
	}
	for _, ms := range []int{250, 750} {
		frames = append(frames, Frame{ms, mdf.CanMessage{Type: mdf.CanErrorFrame, BusChannel: 1}})
	}
	frames = append(frames, Frame{500, mdf.CanMessage{
		Type: mdf.CanRemoteFrame, BusChannel: 1, CanID: RemoteID, MessageID: RemoteID, Dlc: 8, Rtr: true,
	}})
	return frames
}

func dataFrame(channel uint8, id uint32, extended bool, data []byte) mdf.CanMessage {
	return mdf.CanMessage{
		Type:          mdf.CanDataFrame,
		BusChannel:    channel,
		MessageID:     id,
		CanID:         id,
		ExtendedID:    extended,
		Dlc:           uint8(len(data)),
		DataLength:    uint8(len(data)),
		DataBytes:     data,
		FrameDuration: uint32(47 + 8*len(data)) * 2000,
	}
}

// BuildMdf renders the sample log.
func BuildMdf(compress bool) ([]byte, error) {
	w := mdf.NewWriter(uint64(StartTime.UnixNano()))
	w.Compress = compress
	w.BusName = "CAN"
	for _, f := range Traffic() {
		w.Add(f.RelativeSeconds(), f.Message)
	}
	return w.Bytes()
}

// Dbc describes the sample frames.
const Dbc = `VERSION "sample"

BU_: ECU GATEWAY

BO_ 256 EngineData: 8 ECU
 SG_ EngineSpeed : 0|16@1+ (0.125,0) [0|8031.875] "rpm" GATEWAY
 SG_ Gear : 16|4@1+ (1,0) [0|15] "" GATEWAY
 SG_ Running : 20|1@1+ (1,0) [0|1] "" GATEWAY

BO_ 2566844672 ExtStatus: 8 GATEWAY
 SG_ CoolantTemp : 0|8@1+ (1,-40) [-40|215] "degC" ECU

BO_ 512 FdStatus: 12 GATEWAY
 SG_ UptimeMs : 0|32@1+ (1,0) [0|4294967295] "ms" ECU

CM_ BO_ 256 "Engine status, 10 ms";
CM_ SG_ 256 EngineSpeed "Crank speed";
VAL_ 256 Gear 0 "Neutral" 1 "First" 2 "Second" 3 "Third" 4 "Fourth" 5 "Fifth" ;
`

// Project is the sample project file. File names are relative to it.
const Project = `name: Sample Bench
description: Replays the sample bus log
environments:
  - name: Bench
    type: Supervise Master
    enabled: true
databases:
  - name: Powertrain
    type: DBC File
    filename: ` + DbcFileName + `
sources:
  - name: Recorded
    type: MDF Traffic Generator
    filename: ` + MdfFileName + `
destinations:
  - name: Logger
    type: MDF Bus Logger
    filename: out/logged.mf4
    compress: true
`

// WriteFiles writes the sample log, DBC and project into dir.
func WriteFiles(dir string, compress bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := BuildMdf(compress)
	if err != nil {
		return fmt.Errorf("build sample mdf: %w", err)
	}
	files := []struct {
		name string
		data []byte
	}{
		{MdfFileName, raw},
		{DbcFileName, []byte(Dbc)},
		{ProjectFileName, []byte(Project)},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", f.name, err)
		}
	}
	return nil
}
