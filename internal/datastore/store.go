// Package datastore persists what the daemon observes on the bus:
// vehicle identities, decoded request samples and DTC occurrences.
// Records and events live in SQLite; the high-rate sample stream goes
// to InfluxDB.
package datastore

import (
	"fmt"
	"time"
)

// Config holds datastore configuration.
type Config struct {
	SQLitePath     string
	InfluxDBURL    string
	InfluxDBOrg    string
	InfluxDBToken  string
	InfluxDBBucket string
}

// VehicleRecord describes a vehicle seen on the bus.
type VehicleRecord struct {
	VIN       string
	Ignition  string
	ECUs      []ECURecord
	FirstSeen time.Time
	LastSeen  time.Time
}

// ECURecord is one discovered control unit and its advertised PIDs.
type ECURecord struct {
	ID            uint32          `json:"id"`
	Name          string          `json:"name,omitempty"`
	SupportedPIDs map[byte][]byte `json:"supported_pids,omitempty"`
}

// Sample is one decoded value of a polled request.
type Sample struct {
	Timestamp time.Time
	VIN       string
	Name      string
	ECU       uint32
	Service   byte
	PID       uint16
	Value     float64
}

// DTCEvent records a trouble code observed at a point in time.
type DTCEvent struct {
	Timestamp time.Time
	VIN       string
	ECU       uint32
	Code      string
	Status    string
}

// Store is the persistence interface used by the daemon.
type Store interface {
	SaveVehicle(v *VehicleRecord) error
	GetVehicle(vin string) (*VehicleRecord, error)
	ListVehicles() ([]*VehicleRecord, error)

	SaveSample(s *Sample) error
	GetSamples(vin, name string, start, end time.Time) ([]*Sample, error)

	SaveDTCEvent(e *DTCEvent) error
	GetDTCEvents(vin string, start, end time.Time) ([]*DTCEvent, error)

	Close() error
}

// CombinedStore implements Store using SQLite for records and events
// and InfluxDB for the sample stream.
type CombinedStore struct {
	sqlite *SQLiteStore
	influx *InfluxDBStore
}

// NewStore creates a combined datastore. When no InfluxDB URL is
// configured, samples are kept in SQLite as well.
func NewStore(config *Config) (Store, error) {
	sqlite, err := NewSQLiteStore(config.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create SQLite store: %w", err)
	}

	if config.InfluxDBURL == "" {
		return sqlite, nil
	}

	influx, err := NewInfluxDBStore(
		config.InfluxDBURL,
		config.InfluxDBToken,
		config.InfluxDBOrg,
		config.InfluxDBBucket,
	)
	if err != nil {
		sqlite.Close()
		return nil, fmt.Errorf("failed to create InfluxDB store: %w", err)
	}

	return &CombinedStore{sqlite: sqlite, influx: influx}, nil
}

func (s *CombinedStore) SaveVehicle(v *VehicleRecord) error {
	return s.sqlite.SaveVehicle(v)
}

func (s *CombinedStore) GetVehicle(vin string) (*VehicleRecord, error) {
	return s.sqlite.GetVehicle(vin)
}

func (s *CombinedStore) ListVehicles() ([]*VehicleRecord, error) {
	return s.sqlite.ListVehicles()
}

func (s *CombinedStore) SaveSample(sample *Sample) error {
	return s.influx.SaveSample(sample)
}

func (s *CombinedStore) GetSamples(vin, name string, start, end time.Time) ([]*Sample, error) {
	return s.influx.GetSamples(vin, name, start, end)
}

func (s *CombinedStore) SaveDTCEvent(e *DTCEvent) error {
	return s.sqlite.SaveDTCEvent(e)
}

func (s *CombinedStore) GetDTCEvents(vin string, start, end time.Time) ([]*DTCEvent, error) {
	return s.sqlite.GetDTCEvents(vin, start, end)
}

func (s *CombinedStore) Close() error {
	sqliteErr := s.sqlite.Close()
	influxErr := s.influx.Close()

	if sqliteErr != nil {
		return sqliteErr
	}
	return influxErr
}
