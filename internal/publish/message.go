// Package publish fans control outputs out to subscribers.
package publish

import (
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/banshee-data/ctrlbridge/internal/control"
)

// ControlMessage is one published control output.
//
// The protobuf form is wire-compatible with
//
//	message ControlVector {
//	  uint64 seq = 1;
//	  int64 time_unix_nanos = 2;
//	  repeated double data = 3;   // packed, Float64MultiArray.data
//	  bool fallback = 4;
//	  string run_id = 5;
//	}
type ControlMessage struct {
	Seq      uint64    `json:"seq"`
	Time     time.Time `json:"time"`
	Data     []float64 `json:"data"`
	Fallback bool      `json:"fallback"`
	RunID    string    `json:"run_id,omitempty"`
}

const (
	fieldSeq      protowire.Number = 1
	fieldTime     protowire.Number = 2
	fieldData     protowire.Number = 3
	fieldFallback protowire.Number = 4
	fieldRunID    protowire.Number = 5
)

var errMalformed = errors.New("publish: malformed control message")

// NewControlMessage widens v for publication.
func NewControlMessage(seq uint64, at time.Time, v control.Vector, fallback bool, runID string) ControlMessage {
	return ControlMessage{Seq: seq, Time: at, Data: v.Float64s(), Fallback: fallback, RunID: runID}
}

// MarshalProto encodes m in protobuf wire format.
func (m ControlMessage) MarshalProto() []byte {
	b := make([]byte, 0, 32+8*len(m.Data)+len(m.RunID))
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, m.Seq)
	b = protowire.AppendTag(b, fieldTime, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Time.UnixNano()))

	packed := make([]byte, 0, 8*len(m.Data))
	for _, x := range m.Data {
		packed = protowire.AppendFixed64(packed, math.Float64bits(x))
	}
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	if m.Fallback {
		b = protowire.AppendTag(b, fieldFallback, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if m.RunID != "" {
		b = protowire.AppendTag(b, fieldRunID, protowire.BytesType)
		b = protowire.AppendString(b, m.RunID)
	}
	return b
}

// UnmarshalProto decodes a protobuf ControlVector. Unknown fields are skipped.
func UnmarshalProto(b []byte) (ControlMessage, error) {
	var m ControlMessage
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("%w: seq", errMalformed)
			}
			m.Seq = v
			b = b[n:]
		case num == fieldTime && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("%w: time", errMalformed)
			}
			m.Time = time.Unix(0, int64(v))
			b = b[n:]
		case num == fieldData && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 || len(packed)%8 != 0 {
				return m, fmt.Errorf("%w: data", errMalformed)
			}
			for len(packed) > 0 {
				v, k := protowire.ConsumeFixed64(packed)
				m.Data = append(m.Data, math.Float64frombits(v))
				packed = packed[k:]
			}
			b = b[n:]
		case num == fieldData && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return m, fmt.Errorf("%w: data", errMalformed)
			}
			m.Data = append(m.Data, math.Float64frombits(v))
			b = b[n:]
		case num == fieldFallback && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("%w: fallback", errMalformed)
			}
			m.Fallback = protowire.DecodeBool(v)
			b = b[n:]
		case num == fieldRunID && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return m, fmt.Errorf("%w: run_id", errMalformed)
			}
			m.RunID = s
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, fmt.Errorf("%w: field %d", errMalformed, num)
			}
			b = b[n:]
		}
	}
	return m, nil
}
