// Package tekfile reads the TEK export container: a 16-byte
// identifier, then a sequence of length-delimited records using
// protobuf wire encoding.
//
// The low-level tag/varint/fixed64/length-delimited decoding is built
// on google.golang.org/protobuf/encoding/protowire. This is
// deliberately the primitive decoder, not the full protobuf
// codegen/reflection runtime: there is no .proto schema and no
// generated message types, only hand-walked tags over the
// length-delimited framing.
package tekfile

import (
	"crypto/sha256"
	"hash"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/endetect/ennotif/internal/errs"
	"github.com/endetect/ennotif/internal/model"
)

// Identifier is the fixed, space-padded 16-byte file header every TEK
// export begins with.
const Identifier = "EK Export v1    "

// maxBytesFieldLength bounds a single length-delimited field's declared
// size before it is allocated, so a corrupted or hostile length varint
// can't force a multi-gigabyte allocation. Every real bytes field in
// this format (key data, signatures) is well under 1KiB.
const maxBytesFieldLength = 1 << 20

const (
	fieldStartTimestamp = 1
	fieldEndTimestamp   = 2
	fieldRegion         = 3
	fieldBatchNumber    = 4
	fieldBatchSize      = 5
	fieldSignatureInfo  = 6
	fieldKey            = 7

	keyFieldData             = 1
	keyFieldTransmissionRisk = 2
	keyFieldIntervalNumber   = 3
	keyFieldIntervalCount    = 4
)

// Metadata holds the interleaved header-level fields of a TEK export:
// the validity window, region, and batch accounting.
type Metadata struct {
	StartTimestamp uint64
	EndTimestamp   uint64
	Region         string
	BatchNumber    uint32
	BatchSize      uint32
	SignatureInfo  []byte
}

// Reader is a lazy, forward-only TEK file reader. It computes the
// SHA-256 of the full file on Open (for a caller's own signature
// verification, out of scope here) and supports a separate, restartable
// pass over metadata records by buffering and restoring the read
// position, so TEK iteration proceeds regardless of where metadata
// records are interleaved.
type Reader struct {
	r      io.ReadSeeker
	digest hash.Hash
	sha256 [32]byte
}

// Open validates the file identifier, computes the file's SHA-256, and
// positions the reader at the start of the record stream.
func Open(r io.ReadSeeker) (*Reader, error) {
	header := make([]byte, len(Identifier))
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, errs.New(errs.BadFormat, "tekfile: file shorter than identifier")
		}
		return nil, errs.Wrap(errs.Internal, "tekfile: read identifier", err)
	}
	if string(header) != Identifier {
		return nil, errs.New(errs.BadFormat, "tekfile: identifier mismatch")
	}

	sum, err := sha256Of(r)
	if err != nil {
		return nil, err
	}

	if _, err := r.Seek(int64(len(Identifier)), io.SeekStart); err != nil {
		return nil, errs.Wrap(errs.Internal, "tekfile: seek past identifier", err)
	}

	return &Reader{r: r, sha256: sum}, nil
}

func sha256Of(r io.ReadSeeker) ([32]byte, error) {
	var sum [32]byte
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return sum, errs.Wrap(errs.Internal, "tekfile: seek to start", err)
	}
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return sum, errs.Wrap(errs.Internal, "tekfile: hash file", err)
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// SHA256 returns the digest of the full file, computed once at Open.
func (r *Reader) SHA256() [32]byte { return r.sha256 }

// record is one top-level (tag, wire-typed value) pair from the
// stream. Only the field matching typ is meaningful: varint for
// protowire.VarintType, fixed64 for protowire.Fixed64Type, bytes for
// protowire.BytesType.
type record struct {
	tag     protowire.Number
	typ     protowire.Type
	varint  uint64
	fixed64 uint64
	bytes   []byte
}

// nextRecord reads one outer (tag, value) pair from the current
// position, dispatching on the tag's wire type. It returns EndOfData
// at a clean EOF between records, and Underrun/Overrun on malformed
// framing.
func nextRecord(r io.Reader) (record, error) {
	tagByte, err := readVarintBytes(r)
	if err != nil {
		if isEOFVarint(err) {
			return record{}, errs.New(errs.Internal, "tekfile: end_of_data")
		}
		return record{}, err
	}

	num, typ, n := protowire.ConsumeTag(tagByte)
	if n < 0 {
		return record{}, errs.New(errs.Overrun, "tekfile: malformed tag")
	}

	switch typ {
	case protowire.VarintType:
		v, err := readVarint(r)
		if err != nil {
			return record{}, err
		}
		return record{tag: num, typ: typ, varint: v}, nil

	case protowire.Fixed64Type:
		buf := make([]byte, 8)
		if _, err := io.ReadFull(r, buf); err != nil {
			return record{}, errs.New(errs.Underrun, "tekfile: eof mid-fixed64")
		}
		v, n := protowire.ConsumeFixed64(buf)
		if n < 0 {
			return record{}, errs.New(errs.Overrun, "tekfile: malformed fixed64")
		}
		return record{tag: num, typ: typ, fixed64: v}, nil

	case protowire.BytesType:
		length, err := readVarint(r)
		if err != nil {
			return record{}, err
		}
		if length > maxBytesFieldLength {
			return record{}, errs.Newf(errs.Overrun, "tekfile: bytes field length %d exceeds maximum %d", length, maxBytesFieldLength)
		}
		value := make([]byte, length)
		if _, err := io.ReadFull(r, value); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return record{}, errs.New(errs.Underrun, "tekfile: value shorter than declared length")
			}
			return record{}, errs.Wrap(errs.Internal, "tekfile: read value", err)
		}
		return record{tag: num, typ: typ, bytes: value}, nil

	default:
		return record{}, errs.Newf(errs.Range, "tekfile: unsupported wire type %d for tag %d", typ, num)
	}
}

var errEOFVarint = errs.New(errs.Internal, "tekfile: eof_at_varint_start")

func isEOFVarint(err error) bool {
	e, ok := err.(*errs.Error)
	return ok && e.Message == "tekfile: eof_at_varint_start"
}

// readVarintBytes reads the raw bytes of one varint, distinguishing a
// clean EOF before any byte was read (errEOFVarint, used by
// nextRecord to signal end-of-data) from an EOF in the middle of a
// multi-byte varint (Underrun).
func readVarintBytes(r io.Reader) ([]byte, error) {
	var buf []byte
	b := make([]byte, 1)
	for {
		n, err := r.Read(b)
		if n == 0 && err != nil {
			if len(buf) == 0 {
				return nil, errEOFVarint
			}
			return nil, errs.New(errs.Underrun, "tekfile: eof mid-varint")
		}
		if n == 0 {
			continue
		}
		buf = append(buf, b[0])
		if b[0] < 0x80 {
			return buf, nil
		}
		if len(buf) > 10 {
			return nil, errs.New(errs.Overrun, "tekfile: varint too long")
		}
	}
}

func readVarint(r io.Reader) (uint64, error) {
	buf, err := readVarintBytes(r)
	if err != nil {
		if isEOFVarint(err) {
			return 0, errs.New(errs.Underrun, "tekfile: eof mid-varint")
		}
		return 0, err
	}
	v, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		return 0, errs.New(errs.Overrun, "tekfile: malformed varint")
	}
	return v, nil
}

// ErrEndOfData is returned by Next when the record stream is
// exhausted cleanly.
var ErrEndOfData = errs.New(errs.Internal, "tekfile: end_of_data")

func isEndOfData(err error) bool {
	if e, ok := err.(*errs.Error); ok {
		return e.Message == "tekfile: end_of_data"
	}
	return false
}

// Metadata performs a separate pass over the record stream, collecting
// every metadata field into one Metadata value, then restores the
// reader's original position so TEK iteration can proceed unaffected.
func (r *Reader) Metadata() (Metadata, error) {
	pos, err := r.r.Seek(0, io.SeekCurrent)
	if err != nil {
		return Metadata{}, errs.Wrap(errs.Internal, "tekfile: save position", err)
	}
	defer r.r.Seek(pos, io.SeekStart)

	if _, err := r.r.Seek(int64(len(Identifier)), io.SeekStart); err != nil {
		return Metadata{}, errs.Wrap(errs.Internal, "tekfile: seek to records", err)
	}

	var md Metadata
	for {
		rec, err := nextRecord(r.r)
		if err != nil {
			if isEndOfData(err) {
				break
			}
			return Metadata{}, err
		}
		switch rec.tag {
		case fieldStartTimestamp:
			md.StartTimestamp = rec.fixed64
		case fieldEndTimestamp:
			md.EndTimestamp = rec.fixed64
		case fieldRegion:
			md.Region = string(rec.bytes)
		case fieldBatchNumber:
			md.BatchNumber = uint32(rec.varint)
		case fieldBatchSize:
			md.BatchSize = uint32(rec.varint)
		case fieldSignatureInfo:
			md.SignatureInfo = append([]byte(nil), rec.bytes...)
		case fieldKey:
			// skip, handled by TEK iteration
		}
	}
	return md, nil
}

// Next returns the next TEK in the file, in lazy forward-only order,
// skipping any interleaved metadata records. It returns ErrEndOfData
// at a clean end of stream.
func (r *Reader) Next() (model.TemporaryExposureKey, error) {
	for {
		rec, err := nextRecord(r.r)
		if err != nil {
			if isEndOfData(err) {
				return model.TemporaryExposureKey{}, ErrEndOfData
			}
			return model.TemporaryExposureKey{}, err
		}
		if rec.tag != fieldKey {
			continue
		}
		return decodeKey(rec.bytes)
	}
}

func decodeKey(data []byte) (model.TemporaryExposureKey, error) {
	var tek model.TemporaryExposureKey
	buf := data
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return tek, errs.New(errs.Overrun, "tekfile: malformed key sub-message tag")
		}
		buf = buf[n:]

		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return tek, errs.New(errs.Overrun, "tekfile: malformed key bytes field")
			}
			buf = buf[n:]
			if num == keyFieldData {
				if len(v) != model.KeyLength {
					return tek, errs.Newf(errs.BadFormat, "tekfile: key data length %d, want %d", len(v), model.KeyLength)
				}
				copy(tek.KeyData[:], v)
			}
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return tek, errs.New(errs.Overrun, "tekfile: malformed key varint field")
			}
			buf = buf[n:]
			switch num {
			case keyFieldTransmissionRisk:
				tek.TransmissionRiskLevel = uint8(v)
			case keyFieldIntervalNumber:
				tek.RollingStartNumber = uint32(v)
			case keyFieldIntervalCount:
				tek.RollingPeriod = uint32(v)
			}
		default:
			return tek, errs.Newf(errs.Range, "tekfile: unsupported key field wire type %d", typ)
		}
	}
	return tek, nil
}
