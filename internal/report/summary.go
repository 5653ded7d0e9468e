package report

import (
	"sort"
	"time"
)

// IdentifierStats aggregates the frames of one CAN id on one channel.
type IdentifierStats struct {
	BusChannel uint8         `json:"channel"`
	CanID      uint32        `json:"canId"`
	Extended   bool          `json:"extended,omitempty"`
	Count      int           `json:"count"`
	MinLength  uint8         `json:"minLen"`
	MaxLength  uint8         `json:"maxLen"`
	First      int64         `json:"first"`
	Last       int64         `json:"last"`
	Period     time.Duration `json:"periodNs"`
}

// Summary describes the traffic of one source file.
type Summary struct {
	Source      string            `json:"source"`
	SHA256      string            `json:"sha256,omitempty"`
	Size        int64             `json:"size,omitempty"`
	StartTime   int64             `json:"startTime"`
	Messages    int               `json:"messages"`
	First       int64             `json:"first"`
	Last        int64             `json:"last"`
	Channels    []int             `json:"channels"`
	Identifiers []IdentifierStats `json:"identifiers"`
}

// Span is the time between the first and the last message.
func (s Summary) Span() time.Duration {
	return time.Duration(s.Last - s.First)
}

type idKey struct {
	channel  uint8
	id       uint32
	extended bool
}

// Summarize builds the traffic summary of records, which must be in
// timestamp order.
func Summarize(source string, startTime int64, records []MessageRecord) Summary {
	sum := Summary{Source: source, StartTime: startTime, Messages: len(records)}
	if len(records) == 0 {
		return sum
	}
	sum.First = records[0].Timestamp
	sum.Last = records[len(records)-1].Timestamp

	stats := map[idKey]*IdentifierStats{}
	channels := map[uint8]bool{}
	for _, rec := range records {
		channels[rec.BusChannel] = true
		key := idKey{channel: rec.BusChannel, id: rec.CanID, extended: rec.Extended}
		st, ok := stats[key]
		if !ok {
			st = &IdentifierStats{
				BusChannel: rec.BusChannel,
				CanID:      rec.CanID,
				Extended:   rec.Extended,
				MinLength:  rec.DataLength,
				MaxLength:  rec.DataLength,
				First:      rec.Timestamp,
			}
			stats[key] = st
		}
		st.Count++
		st.Last = rec.Timestamp
		if rec.DataLength < st.MinLength {
			st.MinLength = rec.DataLength
		}
		if rec.DataLength > st.MaxLength {
			st.MaxLength = rec.DataLength
		}
	}
	for ch := range channels {
		sum.Channels = append(sum.Channels, int(ch))
	}
	sort.Ints(sum.Channels)
	for _, st := range stats {
		if st.Count > 1 {
			st.Period = time.Duration((st.Last - st.First) / int64(st.Count-1))
		}
		sum.Identifiers = append(sum.Identifiers, *st)
	}
	sort.Slice(sum.Identifiers, func(i, j int) bool {
		a, b := sum.Identifiers[i], sum.Identifiers[j]
		if a.BusChannel != b.BusChannel {
			return a.BusChannel < b.BusChannel
		}
		if a.Extended != b.Extended {
			return !a.Extended
		}
		return a.CanID < b.CanID
	})
	return sum
}
