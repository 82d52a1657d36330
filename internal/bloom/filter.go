// Package bloom implements the fixed-size probabilistic pre-filter the
// query session installs in front of the advertisement store. Each
// RPI is hashed by XORing its two 64-bit halves against k independent
// process-local salts, avoiding a table lookup for RPIs that were
// never observed.
package bloom

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/endetect/ennotif/internal/errs"
	"github.com/endetect/ennotif/internal/model"
)

// Filter is a fixed-size bit array with k independent 64-bit salts.
// Salts are chosen at construction from crypto/rand and are never
// persisted: a Filter's lifetime is a single query session.
type Filter struct {
	bits  []byte
	salts []uint64
}

// New builds an empty Filter with bufferSize bytes of backing storage
// and k independent hash salts.
func New(bufferSize int, k int) (*Filter, error) {
	if bufferSize <= 0 {
		return nil, errs.New(errs.InvalidArgument, "bloom: bufferSize must be positive")
	}
	if k <= 0 {
		return nil, errs.New(errs.InvalidArgument, "bloom: k must be positive")
	}

	salts := make([]uint64, k)
	var buf [8]byte
	for i := range salts {
		if _, err := rand.Read(buf[:]); err != nil {
			return nil, errs.Wrap(errs.Internal, "bloom: salt generation", err)
		}
		salts[i] = binary.LittleEndian.Uint64(buf[:])
	}

	return &Filter{
		bits:  make([]byte, bufferSize),
		salts: salts,
	}, nil
}

func (f *Filter) numBits() uint64 {
	return uint64(len(f.bits)) * 8
}

func (f *Filter) bitIndex(rpi model.RPI, salt uint64) uint64 {
	lo := binary.LittleEndian.Uint64(rpi[0:8])
	hi := binary.LittleEndian.Uint64(rpi[8:16])
	return (lo ^ hi ^ salt) % f.numBits()
}

func (f *Filter) setBit(idx uint64) {
	f.bits[idx/8] |= 1 << (idx % 8)
}

func (f *Filter) getBit(idx uint64) bool {
	return f.bits[idx/8]&(1<<(idx%8)) != 0
}

// Insert sets the k bits addressed by rpi.
func (f *Filter) Insert(rpi model.RPI) {
	for _, salt := range f.salts {
		f.setBit(f.bitIndex(rpi, salt))
	}
}

// MaybePresent reports whether all k bits addressed by rpi are set. It
// never returns a false negative: if rpi was Inserted, MaybePresent
// always returns true.
func (f *Filter) MaybePresent(rpi model.RPI) bool {
	for _, salt := range f.salts {
		if !f.getBit(f.bitIndex(rpi, salt)) {
			return false
		}
	}
	return true
}
