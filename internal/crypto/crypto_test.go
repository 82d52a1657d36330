package crypto

import (
	"bytes"
	"testing"

	"github.com/endetect/ennotif/internal/model"
)

func zeroTEK(rollingStart uint32) model.TemporaryExposureKey {
	return model.TemporaryExposureKey{RollingStartNumber: rollingStart}
}

func TestRPIForMatchesBatchRPI(t *testing.T) {
	tek := zeroTEK(2649600)

	batch, err := BatchRPI(tek, tek.RollingStartNumber, 144)
	if err != nil {
		t.Fatalf("BatchRPI: %v", err)
	}
	if len(batch) != 144*model.KeyLength {
		t.Fatalf("batch length = %d, want %d", len(batch), 144*model.KeyLength)
	}

	seen := make(map[model.RPI]bool, 144)
	for j := 0; j < 144; j++ {
		want := batch[j*model.KeyLength : (j+1)*model.KeyLength]

		got, err := RPIFor(tek, tek.RollingStartNumber+uint32(j))
		if err != nil {
			t.Fatalf("RPIFor(%d): %v", j, err)
		}
		if !bytes.Equal(got[:], want) {
			t.Fatalf("slot %d: RPIFor = %x, batch slice = %x", j, got, want)
		}
		if seen[got] {
			t.Fatalf("slot %d: duplicate RPI %x", j, got)
		}
		seen[got] = true
	}
}

func TestEncryptDecryptAEMRoundTrip(t *testing.T) {
	tek := zeroTEK(0)
	rpi, err := RPIFor(tek, 0)
	if err != nil {
		t.Fatalf("RPIFor: %v", err)
	}

	cases := [][model.AEMLength]byte{
		{0x00, 0x00, 0x00, 0x00},
		{0xFF, 0xFF, 0xFF, 0xFF},
		{0x10, 0x80, 0x01, 0x02},
	}
	for _, metadata := range cases {
		ciphertext, err := EncryptAEM(metadata, tek, rpi)
		if err != nil {
			t.Fatalf("EncryptAEM: %v", err)
		}
		plaintext, err := DecryptAEM(ciphertext, tek, rpi)
		if err != nil {
			t.Fatalf("DecryptAEM: %v", err)
		}
		if plaintext != metadata {
			t.Fatalf("round trip mismatch: got %x, want %x", plaintext, metadata)
		}
	}
}

func TestAttenuationSaturatedIsZero(t *testing.T) {
	tek := zeroTEK(0)
	rpi, _ := RPIFor(tek, 0)
	metadata := [model.AEMLength]byte{0x10, 0x00, 0, 0} // tx power 0
	ciphertext, _ := EncryptAEM(metadata, tek, rpi)

	got := Attenuation(tek, rpi, ciphertext, model.SaturatedRSSI, true)
	if got != 0 {
		t.Fatalf("saturated attenuation = %d, want 0", got)
	}
}

func TestAttenuationWrongKeyDoesNotFail(t *testing.T) {
	tek := zeroTEK(0)
	rpi, _ := RPIFor(tek, 0)

	otherTEK := zeroTEK(0)
	otherTEK.KeyData[0] = 1
	otherRPI, _ := RPIFor(otherTEK, 0)
	ciphertext, _ := EncryptAEM([model.AEMLength]byte{0x10, 0x00, 0, 0}, otherTEK, otherRPI)

	// Decrypting with the wrong key never errors (CTR has no MAC), but
	// the resulting tx power should just come out garbled, not panic
	// or error — Attenuation only returns 0xFF on an actual decrypt
	// error, which AES-CTR never produces. This test documents that
	// invariant rather than asserting a specific attenuation value.
	_ = Attenuation(tek, rpi, ciphertext, -50, false)
}

func TestAttenuationTxPowerMinusRSSI(t *testing.T) {
	tek := zeroTEK(0)
	rpi, _ := RPIFor(tek, 0)
	metadata := [model.AEMLength]byte{0x10, 0xEC, 0, 0} // tx power -20 (0xEC = -20 signed)
	ciphertext, _ := EncryptAEM(metadata, tek, rpi)

	got := Attenuation(tek, rpi, ciphertext, -50, false)
	if got != 30 {
		t.Fatalf("attenuation = %d, want 30", got)
	}
}

func TestAttenuationClampsAtZero(t *testing.T) {
	tek := zeroTEK(0)
	rpi, _ := RPIFor(tek, 0)
	metadata := [model.AEMLength]byte{0x10, 0xEC, 0, 0} // tx power -20
	ciphertext, _ := EncryptAEM(metadata, tek, rpi)

	got := Attenuation(tek, rpi, ciphertext, 0, false) // rssi above tx power
	if got != 0 {
		t.Fatalf("attenuation = %d, want 0", got)
	}
}
