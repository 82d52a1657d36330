package tekfile

import (
	"bytes"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

type seekBuffer struct {
	*bytes.Reader
}

func newSeekBuffer(b []byte) *seekBuffer {
	return &seekBuffer{bytes.NewReader(b)}
}

func appendTag(buf []byte, num protowire.Number, typ protowire.Type) []byte {
	return protowire.AppendTag(buf, num, typ)
}

func buildKeySubMessage(keyData []byte, risk, interval, count uint32) []byte {
	var buf []byte
	buf = appendTag(buf, keyFieldData, protowire.BytesType)
	buf = protowire.AppendBytes(buf, keyData)
	buf = appendTag(buf, keyFieldTransmissionRisk, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(risk))
	buf = appendTag(buf, keyFieldIntervalNumber, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(interval))
	buf = appendTag(buf, keyFieldIntervalCount, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(count))
	return buf
}

func buildExportFile(region string, start, end uint64, batchNum, batchSize uint32, keys [][]byte) []byte {
	var buf []byte
	buf = append(buf, []byte(Identifier)...)

	buf = appendTag(buf, fieldStartTimestamp, protowire.Fixed64Type)
	buf = protowire.AppendFixed64(buf, start)

	buf = appendTag(buf, fieldEndTimestamp, protowire.Fixed64Type)
	buf = protowire.AppendFixed64(buf, end)

	buf = appendTag(buf, fieldRegion, protowire.BytesType)
	buf = protowire.AppendBytes(buf, []byte(region))

	buf = appendTag(buf, fieldBatchNumber, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(batchNum))

	buf = appendTag(buf, fieldBatchSize, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(batchSize))

	for i, k := range keys {
		sub := buildKeySubMessage(k, uint32(i), uint32(2649600+i), 144)
		buf = appendTag(buf, fieldKey, protowire.BytesType)
		buf = protowire.AppendBytes(buf, sub)
	}
	return buf
}

func key16(b byte) []byte {
	k := make([]byte, 16)
	for i := range k {
		k[i] = b
	}
	return k
}

func TestOpenRejectsBadIdentifier(t *testing.T) {
	r := newSeekBuffer([]byte("not an export file......"))
	if _, err := Open(r); err == nil {
		t.Fatal("expected error for bad identifier")
	}
}

func TestOpenRejectsTruncatedIdentifier(t *testing.T) {
	r := newSeekBuffer([]byte("short"))
	if _, err := Open(r); err == nil {
		t.Fatal("expected error for truncated identifier")
	}
}

func TestMetadataDoesNotDisturbKeyIteration(t *testing.T) {
	data := buildExportFile("US", 1000, 2000, 7, 2, [][]byte{key16(0x01), key16(0x02)})
	r := newSeekBuffer(data)
	reader, err := Open(r)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	md, err := reader.Metadata()
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if md.Region != "US" || md.StartTimestamp != 1000 || md.EndTimestamp != 2000 {
		t.Fatalf("unexpected metadata: %+v", md)
	}
	if md.BatchNumber != 7 || md.BatchSize != 2 {
		t.Fatalf("unexpected batch fields: %+v", md)
	}

	tek1, err := reader.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if tek1.KeyData != [16]byte(keyArray(0x01)) {
		t.Fatalf("unexpected first key: %x", tek1.KeyData)
	}

	tek2, err := reader.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if tek2.KeyData != [16]byte(keyArray(0x02)) {
		t.Fatalf("unexpected second key: %x", tek2.KeyData)
	}

	if _, err := reader.Next(); err != ErrEndOfData {
		t.Fatalf("expected ErrEndOfData, got %v", err)
	}
}

func keyArray(b byte) [16]byte {
	var out [16]byte
	for i := range out {
		out[i] = b
	}
	return out
}

func TestSHA256ComputedOverFullFile(t *testing.T) {
	data := buildExportFile("US", 1, 2, 0, 1, [][]byte{key16(0xAB)})
	r := newSeekBuffer(data)
	reader, err := Open(r)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sum := reader.SHA256()
	var zero [32]byte
	if sum == zero {
		t.Fatal("expected a non-zero digest")
	}
}

func TestNextRejectsWrongLengthKeyData(t *testing.T) {
	var buf []byte
	buf = append(buf, []byte(Identifier)...)
	sub := buildKeySubMessage([]byte{0x01, 0x02}, 0, 0, 144) // wrong length
	buf = appendTag(buf, fieldKey, protowire.BytesType)
	buf = protowire.AppendBytes(buf, sub)

	r := newSeekBuffer(buf)
	reader, err := Open(r)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := reader.Next(); err == nil {
		t.Fatal("expected BadFormat error for wrong key length")
	}
}
