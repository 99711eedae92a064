package datastore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// InfluxDBStore implements sample storage using InfluxDB.
type InfluxDBStore struct {
	client   influxdb2.Client
	org      string
	bucket   string
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
}

// NewInfluxDBStore creates a new InfluxDB-backed store.
func NewInfluxDBStore(url, token, org, bucket string) (*InfluxDBStore, error) {
	client := influxdb2.NewClient(url, token)

	store := &InfluxDBStore{
		client:   client,
		org:      org,
		bucket:   bucket,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		queryAPI: client.QueryAPI(org),
	}

	// Test connection
	if _, err := client.Ping(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}

	return store, nil
}

func (s *InfluxDBStore) SaveSample(sample *Sample) error {
	point := influxdb2.NewPoint(
		"obd2_sample",
		map[string]string{
			"vin":     sample.VIN,
			"name":    sample.Name,
			"ecu":     fmt.Sprintf("%03X", sample.ECU),
			"service": fmt.Sprintf("%02X", sample.Service),
			"pid":     fmt.Sprintf("%02X", sample.PID),
		},
		map[string]interface{}{
			"value": sample.Value,
		},
		sample.Timestamp,
	)

	if err := s.writeAPI.WritePoint(context.Background(), point); err != nil {
		return fmt.Errorf("failed to write sample: %w", err)
	}

	return nil
}

func (s *InfluxDBStore) GetSamples(vin, name string, start, end time.Time) ([]*Sample, error) {
	query := fmt.Sprintf(`
		from(bucket:"%s")
			|> range(start: %s, stop: %s)
			|> filter(fn: (r) => r["_measurement"] == "obd2_sample" and r["vin"] == "%s" and r["name"] == "%s")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
	`, s.bucket, start.Format(time.RFC3339), end.Format(time.RFC3339), vin, name)

	result, err := s.queryAPI.Query(context.Background(), query)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer result.Close()

	var samples []*Sample
	for result.Next() {
		record := result.Record()

		sample := &Sample{
			Timestamp: record.Time(),
			VIN:       vin,
			Name:      name,
		}
		if v, ok := record.ValueByKey("value").(float64); ok {
			sample.Value = v
		}
		if ecu, ok := record.ValueByKey("ecu").(string); ok {
			if id, err := strconv.ParseUint(ecu, 16, 32); err == nil {
				sample.ECU = uint32(id)
			}
		}
		if service, ok := record.ValueByKey("service").(string); ok {
			if sid, err := strconv.ParseUint(service, 16, 8); err == nil {
				sample.Service = byte(sid)
			}
		}
		if pid, ok := record.ValueByKey("pid").(string); ok {
			if id, err := strconv.ParseUint(pid, 16, 16); err == nil {
				sample.PID = uint16(id)
			}
		}

		samples = append(samples, sample)
	}

	return samples, nil
}

// Vehicle records and DTC events live in SQLite; the InfluxDB store
// only accepts the sample stream.

func (s *InfluxDBStore) SaveVehicle(v *VehicleRecord) error {
	return fmt.Errorf("vehicle records are not stored in InfluxDB")
}

func (s *InfluxDBStore) GetVehicle(vin string) (*VehicleRecord, error) {
	return nil, fmt.Errorf("vehicle records are not stored in InfluxDB")
}

func (s *InfluxDBStore) ListVehicles() ([]*VehicleRecord, error) {
	return nil, fmt.Errorf("vehicle records are not stored in InfluxDB")
}

func (s *InfluxDBStore) SaveDTCEvent(e *DTCEvent) error {
	return fmt.Errorf("dtc events are not stored in InfluxDB")
}

func (s *InfluxDBStore) GetDTCEvents(vin string, start, end time.Time) ([]*DTCEvent, error) {
	return nil, fmt.Errorf("dtc events are not stored in InfluxDB")
}

func (s *InfluxDBStore) Close() error {
	s.client.Close()
	return nil
}
