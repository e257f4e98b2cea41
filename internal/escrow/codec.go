package escrow

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Serialized layout, little-endian:
//
//	creator(32) | cpFlag(1) cp(32) | assetLen(1) asset(<=32) | predicted(8) |
//	expiry(8) | collateral(8) | initialized(1) | settled(1) | profit(8) |
//	winnerFlag(1) winner(32) | observed(8)
//
// Absent optional identities are written as 32 zero bytes so every record
// with the same asset length has the same size.
const (
	recordFixedSize = IdentityLength + 1 + IdentityLength + 1 + 8 + 8 + 8 + 1 + 1 + 8 + 1 + IdentityLength + 8
	// MaxRecordSize is the encoded size of a record with the longest asset id.
	MaxRecordSize = recordFixedSize + MaxAssetIDLength
)

var (
	errShortRecord = errors.New("escrow codec: truncated record")
	zeroIdentity   Identity
)

// MarshalRecord encodes the persistent fields of rec. The record key is not
// part of the encoding; it is the storage address.
func MarshalRecord(rec *Record) ([]byte, error) {
	if rec == nil {
		return nil, fmt.Errorf("escrow codec: nil record")
	}
	if len(rec.AssetID) > MaxAssetIDLength {
		return nil, fmt.Errorf("%w: asset id longer than %d bytes", ErrInvalidArgument, MaxAssetIDLength)
	}
	buf := make([]byte, 0, recordFixedSize+len(rec.AssetID))
	buf = append(buf, rec.Creator[:]...)
	buf = appendOptionalIdentity(buf, rec.Counterparty)
	buf = append(buf, byte(len(rec.AssetID)))
	buf = append(buf, rec.AssetID...)
	buf = binary.LittleEndian.AppendUint64(buf, rec.PredictedValue)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(rec.ExpiryTime))
	buf = binary.LittleEndian.AppendUint64(buf, rec.Collateral)
	buf = append(buf, boolByte(rec.Initialized), boolByte(rec.Settled))
	buf = binary.LittleEndian.AppendUint64(buf, rec.Profit)
	buf = appendOptionalIdentity(buf, rec.Winner)
	buf = binary.LittleEndian.AppendUint64(buf, rec.ObservedValue)
	return buf, nil
}

// UnmarshalRecord decodes a record produced by MarshalRecord.
func UnmarshalRecord(data []byte) (*Record, error) {
	r := reader{buf: data}
	rec := &Record{}
	copy(rec.Creator[:], r.next(IdentityLength))
	rec.Counterparty = r.optionalIdentity()
	assetLen := int(r.readByte())
	if assetLen > MaxAssetIDLength {
		return nil, fmt.Errorf("escrow codec: asset length %d out of range", assetLen)
	}
	rec.AssetID = string(r.next(assetLen))
	rec.PredictedValue = r.readUint64()
	rec.ExpiryTime = int64(r.readUint64())
	rec.Collateral = r.readUint64()
	rec.Initialized = r.readBool()
	rec.Settled = r.readBool()
	rec.Profit = r.readUint64()
	rec.Winner = r.optionalIdentity()
	rec.ObservedValue = r.readUint64()
	if r.err != nil {
		return nil, r.err
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("escrow codec: %d trailing bytes", len(r.buf))
	}
	return rec, nil
}

func appendOptionalIdentity(buf []byte, id *Identity) []byte {
	if id == nil {
		buf = append(buf, 0)
		return append(buf, make([]byte, IdentityLength)...)
	}
	buf = append(buf, 1)
	return append(buf, id[:]...)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

type reader struct {
	buf []byte
	err error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = errShortRecord
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) readByte() byte {
	b := r.next(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) readBool() bool {
	switch v := r.readByte(); v {
	case 0:
		return false
	case 1:
		return true
	default:
		if r.err == nil {
			r.err = fmt.Errorf("escrow codec: invalid bool byte %d", v)
		}
		return false
	}
}

func (r *reader) readUint64() uint64 {
	b := r.next(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) optionalIdentity() *Identity {
	present := r.readBool()
	raw := r.next(IdentityLength)
	if raw == nil {
		return nil
	}
	if !present {
		if r.err == nil && !bytes.Equal(raw, zeroIdentity[:]) {
			r.err = errors.New("escrow codec: absent identity with non-zero padding")
		}
		return nil
	}
	var id Identity
	copy(id[:], raw)
	return &id
}
