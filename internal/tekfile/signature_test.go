package tekfile

import (
	"bytes"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func buildSignatureSubMessage(info []byte, batchNum, batchSize uint32, data []byte) []byte {
	var buf []byte
	buf = appendTag(buf, sigFieldSignatureInfo, protowire.BytesType)
	buf = protowire.AppendBytes(buf, info)
	buf = appendTag(buf, sigFieldBatchNumber, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(batchNum))
	buf = appendTag(buf, sigFieldBatchSize, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(batchSize))
	buf = appendTag(buf, sigFieldSignatureData, protowire.BytesType)
	buf = protowire.AppendBytes(buf, data)
	return buf
}

func buildSignatureFile(entries [][]byte) []byte {
	var buf []byte
	for _, e := range entries {
		buf = appendTag(buf, fieldSignature, protowire.BytesType)
		buf = protowire.AppendBytes(buf, e)
	}
	return buf
}

func TestReadSignaturesParsesAllEntries(t *testing.T) {
	sub1 := buildSignatureSubMessage([]byte("info-1"), 0, 2, []byte("sig-bytes-1"))
	sub2 := buildSignatureSubMessage([]byte("info-2"), 1, 2, []byte("sig-bytes-2"))
	data := buildSignatureFile([][]byte{sub1, sub2})

	sigs, err := ReadSignatures(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadSignatures: %v", err)
	}
	if len(sigs) != 2 {
		t.Fatalf("len(sigs) = %d, want 2", len(sigs))
	}
	if string(sigs[0].SignatureInfo) != "info-1" || sigs[0].BatchNumber != 0 || sigs[0].BatchSize != 2 {
		t.Fatalf("unexpected first signature: %+v", sigs[0])
	}
	if string(sigs[1].SignatureData) != "sig-bytes-2" {
		t.Fatalf("unexpected second signature data: %q", sigs[1].SignatureData)
	}
}

func TestReadSignaturesEmptyInput(t *testing.T) {
	sigs, err := ReadSignatures(bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("ReadSignatures: %v", err)
	}
	if len(sigs) != 0 {
		t.Fatalf("len(sigs) = %d, want 0", len(sigs))
	}
}
