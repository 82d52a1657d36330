package tekfile

import (
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/endetect/ennotif/internal/errs"
)

const (
	fieldSignature = 1

	sigFieldSignatureInfo = 1
	sigFieldBatchNumber   = 2
	sigFieldBatchSize     = 3
	sigFieldSignatureData = 4
)

// Signature is one parsed entry from a TEK export's detached signature
// file. Verifying it (ECDSA P-256/SHA-256, X9.62 encoding) is the
// caller's responsibility — this package only parses the container
// and exposes the raw fields.
type Signature struct {
	SignatureInfo []byte
	BatchNumber   uint32
	BatchSize     uint32
	SignatureData []byte
}

// ReadSignatures parses every Signature record from a signature file
// body (no identifier prefix — the outer container is just a
// length-delimited sequence of Signature=1 records).
func ReadSignatures(r io.Reader) ([]Signature, error) {
	var sigs []Signature
	for {
		rec, err := nextRecord(r)
		if err != nil {
			if isEndOfData(err) {
				return sigs, nil
			}
			return nil, err
		}
		if rec.tag != fieldSignature || rec.typ != protowire.BytesType {
			continue
		}
		sig, err := decodeSignature(rec.bytes)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
}

func decodeSignature(data []byte) (Signature, error) {
	var sig Signature
	buf := data
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return sig, errs.New(errs.Overrun, "tekfile: malformed signature tag")
		}
		buf = buf[n:]

		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return sig, errs.New(errs.Overrun, "tekfile: malformed signature bytes field")
			}
			buf = buf[n:]
			switch num {
			case sigFieldSignatureInfo:
				sig.SignatureInfo = append([]byte(nil), v...)
			case sigFieldSignatureData:
				sig.SignatureData = append([]byte(nil), v...)
			}
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return sig, errs.New(errs.Overrun, "tekfile: malformed signature varint field")
			}
			buf = buf[n:]
			switch num {
			case sigFieldBatchNumber:
				sig.BatchNumber = uint32(v)
			case sigFieldBatchSize:
				sig.BatchSize = uint32(v)
			}
		default:
			return sig, errs.Newf(errs.Range, "tekfile: unsupported signature field wire type %d", typ)
		}
	}
	return sig, nil
}
