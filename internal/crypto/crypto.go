// Package crypto implements the deterministic TEK-to-RPI/AEM key
// schedule: HKDF-SHA256 key derivation, AES-128-ECB batch RPI
// generation, and AES-128-CTR metadata (de)cryption.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/endetect/ennotif/internal/errs"
	"github.com/endetect/ennotif/internal/model"
)

const (
	rpikInfo = "EN-RPIK"
	aemkInfo = "EN-AEMK"
	rpiLabel = "EN-RPI"
)

// DeriveRPIK derives the Rolling Proximity Identifier Key from a TEK.
func DeriveRPIK(tek model.TemporaryExposureKey) ([model.KeyLength]byte, error) {
	return derivedKey(tek.KeyData, rpikInfo)
}

// DeriveAEMK derives the Associated Encrypted Metadata Key from a TEK.
func DeriveAEMK(tek model.TemporaryExposureKey) ([model.KeyLength]byte, error) {
	return derivedKey(tek.KeyData, aemkInfo)
}

func derivedKey(ikm [model.KeyLength]byte, info string) ([model.KeyLength]byte, error) {
	var out [model.KeyLength]byte
	kdf := hkdf.New(sha256.New, ikm[:], nil, []byte(info))
	if _, err := io.ReadFull(kdf, out[:]); err != nil {
		return out, errs.Wrap(errs.CryptoFailure, "hkdf derive", err)
	}
	return out, nil
}

// rpiBlock constructs the 16-byte plaintext block "EN-RPI" ‖ 6 zero
// bytes ‖ little-endian u32(interval).
func rpiBlock(interval uint32) [16]byte {
	var block [16]byte
	copy(block[:6], rpiLabel)
	binary.LittleEndian.PutUint32(block[12:], interval)
	return block
}

// RPIFor computes the single RPI for the given TEK and interval number.
func RPIFor(tek model.TemporaryExposureKey, interval uint32) (model.RPI, error) {
	rpik, err := DeriveRPIK(tek)
	if err != nil {
		return model.RPI{}, err
	}
	block, err := aes.NewCipher(rpik[:])
	if err != nil {
		return model.RPI{}, errs.Wrap(errs.CryptoFailure, "aes cipher", err)
	}
	plain := rpiBlock(interval)
	var out model.RPI
	block.Encrypt(out[:], plain[:])
	return out, nil
}

// BatchRPI encrypts n consecutive interval blocks starting at
// startInterval under a single AES-128-ECB key schedule, returning
// n*16 bytes of RPI values concatenated in interval order.
func BatchRPI(tek model.TemporaryExposureKey, startInterval uint32, n int) ([]byte, error) {
	if n <= 0 {
		return nil, errs.New(errs.InvalidArgument, "batch_rpi: n must be positive")
	}
	rpik, err := DeriveRPIK(tek)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(rpik[:])
	if err != nil {
		return nil, errs.Wrap(errs.CryptoFailure, "aes cipher", err)
	}

	out := make([]byte, n*model.KeyLength)
	for i := 0; i < n; i++ {
		plain := rpiBlock(startInterval + uint32(i))
		block.Encrypt(out[i*model.KeyLength:(i+1)*model.KeyLength], plain[:])
	}
	return out, nil
}

// EncryptAEM encrypts 4 bytes of metadata under AES-128-CTR keyed by
// AEMK(tek), using the full RPI as the initial counter block.
func EncryptAEM(metadata [model.AEMLength]byte, tek model.TemporaryExposureKey, rpi model.RPI) ([model.AEMLength]byte, error) {
	return xorAEM(metadata, tek, rpi)
}

// DecryptAEM decrypts 4 bytes of ciphertext under AES-128-CTR keyed by
// AEMK(tek); CTR is symmetric so this is the same transform as EncryptAEM.
func DecryptAEM(ciphertext [model.AEMLength]byte, tek model.TemporaryExposureKey, rpi model.RPI) ([model.AEMLength]byte, error) {
	return xorAEM(ciphertext, tek, rpi)
}

func xorAEM(in [model.AEMLength]byte, tek model.TemporaryExposureKey, rpi model.RPI) ([model.AEMLength]byte, error) {
	var out [model.AEMLength]byte
	aemk, err := DeriveAEMK(tek)
	if err != nil {
		return out, err
	}
	block, err := aes.NewCipher(aemk[:])
	if err != nil {
		return out, errs.Wrap(errs.CryptoFailure, "aes cipher", err)
	}
	stream := cipher.NewCTR(block, rpi[:])
	stream.XORKeyStream(out[:], in[:])
	return out, nil
}

// TxPowerFromAEM decrypts the AEM and returns the signed tx-power byte
// (byte index 1).
func TxPowerFromAEM(ciphertext [model.AEMLength]byte, tek model.TemporaryExposureKey, rpi model.RPI) (int8, error) {
	metadata, err := DecryptAEM(ciphertext, tek, rpi)
	if err != nil {
		return 0, err
	}
	return int8(metadata[1]), nil
}

// Attenuation computes the attenuation value for an observed
// advertisement: decrypt the AEM, then apply the saturation and
// clamping rules from the data model. A decryption failure returns
// 0xFF rather than an error so a single bad record never fails the
// pipeline.
func Attenuation(tek model.TemporaryExposureKey, rpi model.RPI, encryptedAEM [model.AEMLength]byte, rssi int8, saturated bool) uint8 {
	txPower, err := TxPowerFromAEM(encryptedAEM, tek, rpi)
	if err != nil {
		return 0xFF
	}
	if rssi == model.SaturatedRSSI && saturated {
		return 0
	}
	diff := int(txPower) - int(rssi)
	if diff < 0 {
		diff = 0
	}
	if diff > 255 {
		diff = 255
	}
	return uint8(diff)
}
