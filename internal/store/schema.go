package store

import "github.com/endetect/ennotif/internal/model"

// row is the GORM model for the advertisements table: a composite
// primary key on (rpi, timestamp), plus a secondary index on timestamp
// alone so purge and range scans don't need the full key.
//
//	advertisements(rpi BLOB, encrypted_aem BLOB, timestamp INTEGER,
//	  scan_interval INTEGER, rssi INTEGER, saturated BOOLEAN,
//	  counter INTEGER, PRIMARY KEY(rpi, timestamp))
type row struct {
	RPI          []byte `gorm:"column:rpi;primaryKey"`
	Timestamp    int64  `gorm:"column:timestamp;primaryKey;index:idx_advertisements_timestamp"`
	EncryptedAEM []byte `gorm:"column:encrypted_aem"`
	ScanInterval uint16 `gorm:"column:scan_interval"`
	RSSI         int8   `gorm:"column:rssi"`
	Saturated    bool   `gorm:"column:saturated"`
	Counter      uint8  `gorm:"column:counter"`
}

// TableName pins the table name regardless of GORM's pluralization
// rules.
func (row) TableName() string { return "advertisements" }

func rowFromRecord(rec model.AdvertisementRecord) row {
	return row{
		RPI:          append([]byte(nil), rec.RPI[:]...),
		Timestamp:    rec.Timestamp,
		EncryptedAEM: append([]byte(nil), rec.EncryptedAEM[:]...),
		ScanInterval: rec.ScanInterval,
		RSSI:         rec.RSSI,
		Saturated:    rec.Saturated,
		Counter:      rec.Counter,
	}
}

func (r row) toRecord() model.AdvertisementRecord {
	var rec model.AdvertisementRecord
	copy(rec.RPI[:], r.RPI)
	copy(rec.EncryptedAEM[:], r.EncryptedAEM)
	rec.Timestamp = r.Timestamp
	rec.ScanInterval = r.ScanInterval
	rec.RSSI = r.RSSI
	rec.Saturated = r.Saturated
	rec.Counter = r.Counter
	return rec
}
