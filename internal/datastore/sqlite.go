package datastore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initialize() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS vehicles (
			vin TEXT PRIMARY KEY,
			ignition TEXT,
			ecus JSON,
			first_seen TIMESTAMP,
			last_seen TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			vin TEXT NOT NULL,
			name TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			ecu INTEGER NOT NULL,
			service INTEGER NOT NULL,
			pid INTEGER NOT NULL,
			value REAL
		)`,
		`CREATE TABLE IF NOT EXISTS dtc_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			vin TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			ecu INTEGER NOT NULL,
			code TEXT NOT NULL,
			status TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_vin_name_time
			ON samples(vin, name, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_dtc_events_vin_time
			ON dtc_events(vin, timestamp)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

func (s *SQLiteStore) SaveVehicle(v *VehicleRecord) error {
	ecus, err := json.Marshal(v.ECUs)
	if err != nil {
		return fmt.Errorf("failed to marshal ecus: %w", err)
	}

	query := `
		INSERT OR REPLACE INTO vehicles (
			vin, ignition, ecus, first_seen, last_seen
		) VALUES (?, ?, ?, ?, ?)`

	_, err = s.db.Exec(query, v.VIN, v.Ignition, ecus, v.FirstSeen, v.LastSeen)
	if err != nil {
		return fmt.Errorf("failed to save vehicle: %w", err)
	}

	return nil
}

func (s *SQLiteStore) GetVehicle(vin string) (*VehicleRecord, error) {
	query := `SELECT vin, ignition, ecus, first_seen, last_seen
		FROM vehicles WHERE vin = ?`

	var v VehicleRecord
	var ecusJSON []byte

	err := s.db.QueryRow(query, vin).Scan(
		&v.VIN, &v.Ignition, &ecusJSON, &v.FirstSeen, &v.LastSeen)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("vehicle not found: %s", vin)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vehicle: %w", err)
	}

	if err := json.Unmarshal(ecusJSON, &v.ECUs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ecus: %w", err)
	}

	return &v, nil
}

func (s *SQLiteStore) ListVehicles() ([]*VehicleRecord, error) {
	rows, err := s.db.Query(`SELECT vin, ignition, ecus, first_seen, last_seen FROM vehicles`)
	if err != nil {
		return nil, fmt.Errorf("failed to query vehicles: %w", err)
	}
	defer rows.Close()

	var vehicles []*VehicleRecord
	for rows.Next() {
		var v VehicleRecord
		var ecusJSON []byte
		if err := rows.Scan(&v.VIN, &v.Ignition, &ecusJSON, &v.FirstSeen, &v.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan vehicle row: %w", err)
		}

		if err := json.Unmarshal(ecusJSON, &v.ECUs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ecus: %w", err)
		}

		vehicles = append(vehicles, &v)
	}

	return vehicles, rows.Err()
}

func (s *SQLiteStore) SaveSample(sample *Sample) error {
	query := `INSERT INTO samples (
		vin, name, timestamp, ecu, service, pid, value
	) VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.Exec(query, sample.VIN, sample.Name, sample.Timestamp,
		sample.ECU, sample.Service, sample.PID, sample.Value)
	if err != nil {
		return fmt.Errorf("failed to save sample: %w", err)
	}

	return nil
}

func (s *SQLiteStore) GetSamples(vin, name string, start, end time.Time) ([]*Sample, error) {
	rows, err := s.db.Query(`
		SELECT timestamp, ecu, service, pid, value
		FROM samples
		WHERE vin = ? AND name = ? AND timestamp BETWEEN ? AND ?
		ORDER BY timestamp`,
		vin, name, start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var samples []*Sample
	for rows.Next() {
		sample := &Sample{VIN: vin, Name: name}
		if err := rows.Scan(&sample.Timestamp, &sample.ECU, &sample.Service,
			&sample.PID, &sample.Value); err != nil {
			return nil, fmt.Errorf("failed to scan sample row: %w", err)
		}
		samples = append(samples, sample)
	}

	return samples, rows.Err()
}

func (s *SQLiteStore) SaveDTCEvent(e *DTCEvent) error {
	query := `INSERT INTO dtc_events (
		vin, timestamp, ecu, code, status
	) VALUES (?, ?, ?, ?, ?)`

	_, err := s.db.Exec(query, e.VIN, e.Timestamp, e.ECU, e.Code, e.Status)
	if err != nil {
		return fmt.Errorf("failed to save dtc event: %w", err)
	}

	return nil
}

func (s *SQLiteStore) GetDTCEvents(vin string, start, end time.Time) ([]*DTCEvent, error) {
	rows, err := s.db.Query(`
		SELECT timestamp, ecu, code, status
		FROM dtc_events
		WHERE vin = ? AND timestamp BETWEEN ? AND ?
		ORDER BY timestamp DESC`,
		vin, start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query dtc events: %w", err)
	}
	defer rows.Close()

	var events []*DTCEvent
	for rows.Next() {
		e := &DTCEvent{VIN: vin}
		if err := rows.Scan(&e.Timestamp, &e.ECU, &e.Code, &e.Status); err != nil {
			return nil, fmt.Errorf("failed to scan dtc event: %w", err)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
