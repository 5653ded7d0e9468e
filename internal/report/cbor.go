package report

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

const exportVersion = 1

var ErrExportVersion = errors.New("report: unsupported export version")

// Export is a self-contained message dump: the source it came from, the
// header start time and the ordered messages.
type Export struct {
	Version   int             `cbor:"1,keyasint"`
	Source    string          `cbor:"2,keyasint"`
	StartTime int64           `cbor:"3,keyasint"`
	Messages  []MessageRecord `cbor:"4,keyasint"`
}

func NewExport(source string, startTime int64, records []MessageRecord) Export {
	return Export{Version: exportVersion, Source: source, StartTime: startTime, Messages: records}
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("report: cbor encoder: %v", err))
	}
	return em
}()

// WriteCBOR encodes exp in deterministic CBOR.
func WriteCBOR(w io.Writer, exp Export) error {
	if exp.Version == 0 {
		exp.Version = exportVersion
	}
	return encMode.NewEncoder(w).Encode(exp)
}

// ReadCBOR decodes an export written by WriteCBOR.
func ReadCBOR(r io.Reader) (Export, error) {
	var exp Export
	if err := cbor.NewDecoder(r).Decode(&exp); err != nil {
		return Export{}, fmt.Errorf("decode cbor export: %w", err)
	}
	if exp.Version != exportVersion {
		return Export{}, fmt.Errorf("%w: %d", ErrExportVersion, exp.Version)
	}
	return exp, nil
}
