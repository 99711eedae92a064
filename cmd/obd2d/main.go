// obd2d polls a set of configured OBD-II requests and serves the
// decoded values to websocket clients, with optional raw CAN frame
// monitoring, sample persistence and Prometheus metrics.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/brutella/can"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	obd2 "github.com/anodyne74/obd2can"
	"github.com/anodyne74/obd2can/internal/config"
	"github.com/anodyne74/obd2can/internal/datastore"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// Telemetry is one websocket payload: the decoded request values of a
// poll cycle plus whatever else arrived since the last one.
type Telemetry struct {
	Timestamp time.Time          `json:"timestamp"`
	Values    map[string]float64 `json:"values,omitempty"`
	DTCs      []string           `json:"dtcs,omitempty"`
	VIN       string             `json:"vin,omitempty"`
	CANFrames []CANFrame         `json:"canFrames,omitempty"`
}

// CANFrame represents a raw CAN bus frame seen by the monitor.
type CANFrame struct {
	ID        uint32    `json:"id"`
	Data      []byte    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// CANHandler feeds monitored frames into the broadcast loop.
type CANHandler struct {
	frameChan chan<- CANFrame
}

func (h *CANHandler) Handle(frame can.Frame) {
	data := make([]byte, len(frame.Data))
	copy(data, frame.Data[:])
	select {
	case h.frameChan <- CANFrame{ID: uint32(frame.ID), Data: data, Timestamp: time.Now()}:
	default:
	}
}

var (
	clients    = make(map[*websocket.Conn]bool)
	clientsMux sync.Mutex

	pollCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obd2_poll_cycles_total",
		Help: "Completed poll cycles.",
	})
	requestValues = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "obd2_request_value",
		Help: "Latest decoded value per configured request.",
	}, []string{"name"})
	staleRequests = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "obd2_request_stale",
		Help: "1 when the request produced no decodable value this cycle.",
	}, []string{"name"})
)

func wsHandler(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Websocket upgrade error: %v", err)
		return
	}

	clientsMux.Lock()
	clients[ws] = true
	clientsMux.Unlock()

	defer func() {
		clientsMux.Lock()
		delete(clients, ws)
		clientsMux.Unlock()
		ws.Close()
	}()

	// Keep connection alive
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
}

func broadcast(data Telemetry) {
	clientsMux.Lock()
	defer clientsMux.Unlock()

	payload, err := json.Marshal(data)
	if err != nil {
		log.Printf("Error marshaling telemetry: %v", err)
		return
	}

	for client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Printf("Error sending to client: %v", err)
			client.Close()
			delete(clients, client)
		}
	}
}

var configFile string

func init() {
	flag.StringVar(&configFile, "config", "config.yaml", "Path to configuration file")
	flag.Parse()
}

func main() {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	client, err := obd2.New(cfg.Bus.Interface, cfg.Bus.RefreshMS, cfg.Bus.EnablePIDChaining)
	if err != nil {
		log.Fatalf("Error opening %s: %v", cfg.Bus.Interface, err)
	}
	defer client.Close()

	// Register the configured requests; a bad entry only loses itself.
	requests := make(map[string]*obd2.Request)
	for _, rc := range cfg.Requests {
		r, err := client.AddRequest(rc.ECU, rc.Service, rc.PID, rc.Formula, rc.Refresh)
		if err != nil {
			log.Printf("Warning: request %q rejected: %v", rc.Name, err)
			continue
		}
		requests[rc.Name] = r
	}

	var store datastore.Store
	if cfg.Datastore.Enabled {
		store, err = datastore.NewStore(&datastore.Config{
			SQLitePath:     cfg.Datastore.SQLite.Path,
			InfluxDBURL:    cfg.Datastore.InfluxDB.URL,
			InfluxDBOrg:    cfg.Datastore.InfluxDB.Org,
			InfluxDBToken:  cfg.Datastore.InfluxDB.Token,
			InfluxDBBucket: cfg.Datastore.InfluxDB.Bucket,
		})
		if err != nil {
			log.Printf("Warning: datastore unavailable: %v", err)
		} else {
			defer store.Close()
		}
	}

	// Vehicle identity, fetched once the connection is up.
	var vinMux sync.Mutex
	vin := ""
	go func() {
		for !client.IsConnectionActive() {
			time.Sleep(5 * time.Second)
		}
		info := client.GetVehicleInfo()
		vinMux.Lock()
		vin = info.VIN
		vinMux.Unlock()
		log.Printf("Connected to vehicle %s (%s ignition)", info.VIN, info.Ignition)

		if store != nil {
			record := &datastore.VehicleRecord{
				VIN:       info.VIN,
				Ignition:  info.Ignition.String(),
				FirstSeen: time.Now(),
				LastSeen:  time.Now(),
			}
			for _, e := range client.GetECUs() {
				record.ECUs = append(record.ECUs, datastore.ECURecord{
					ID:   e.ID(),
					Name: e.Name(),
				})
			}
			if err := store.SaveVehicle(record); err != nil {
				log.Printf("Warning: failed to save vehicle record: %v", err)
			}
		}
	}()

	// Raw frame monitor: a subscribed handler feeds frames into the
	// broadcast loop.
	frameChan := make(chan CANFrame, 100)
	if cfg.Monitor.Enabled {
		if bus, err := can.NewBusForInterfaceWithName(cfg.Monitor.Interface); err == nil {
			bus.Subscribe(&CANHandler{frameChan: frameChan})
			go func() {
				if err := bus.ConnectAndPublish(); err != nil {
					log.Printf("CAN monitor stopped: %v", err)
				}
			}()
			defer bus.Disconnect()
		} else {
			log.Printf("CAN monitor not available: %v", err)
		}
	}

	// Broadcast decoded values after every poll cycle.
	client.SetRefreshedCallback(func() {
		pollCycles.Inc()

		telemetry := Telemetry{
			Timestamp: time.Now(),
			Values:    make(map[string]float64),
		}

		vinMux.Lock()
		telemetry.VIN = vin
		vinMux.Unlock()

		for name, r := range requests {
			v, err := r.Value()
			if err != nil {
				continue
			}
			if math.IsNaN(v) {
				staleRequests.WithLabelValues(name).Set(1)
				continue
			}
			staleRequests.WithLabelValues(name).Set(0)
			requestValues.WithLabelValues(name).Set(v)
			telemetry.Values[name] = v

			if store != nil && telemetry.VIN != "" {
				sample := &datastore.Sample{
					Timestamp: telemetry.Timestamp,
					VIN:       telemetry.VIN,
					Name:      name,
					ECU:       r.ECUID(),
					Service:   r.Service(),
					PID:       r.PID(),
					Value:     v,
				}
				if err := store.SaveSample(sample); err != nil {
					log.Printf("Warning: failed to save sample %q: %v", name, err)
				}
			}
		}

		// Attach any raw frames seen since the last cycle.
		for {
			select {
			case frame := <-frameChan:
				telemetry.CANFrames = append(telemetry.CANFrames, frame)
				continue
			default:
			}
			break
		}

		broadcast(telemetry)
	})

	// Poll trouble codes at a slow cadence.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for range ticker.C {
			dtcs, err := client.GetDTCs(obd2.ECUIDFirst)
			if err != nil {
				log.Printf("Error reading DTCs: %v", err)
				continue
			}
			if len(dtcs) == 0 {
				continue
			}

			telemetry := Telemetry{Timestamp: time.Now()}
			vinMux.Lock()
			telemetry.VIN = vin
			vinMux.Unlock()

			for _, d := range dtcs {
				telemetry.DTCs = append(telemetry.DTCs, fmt.Sprintf("%s (%s)", d, d.Status))

				if store != nil && telemetry.VIN != "" {
					event := &datastore.DTCEvent{
						Timestamp: telemetry.Timestamp,
						VIN:       telemetry.VIN,
						ECU:       obd2.ECUIDFirst,
						Code:      d.String(),
						Status:    d.Status.String(),
					}
					if err := store.SaveDTCEvent(event); err != nil {
						log.Printf("Warning: failed to save DTC event: %v", err)
					}
				}
			}

			broadcast(telemetry)
		}
	}()

	router := mux.NewRouter()
	router.HandleFunc("/ws", wsHandler)
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/api/vehicle", func(w http.ResponseWriter, r *http.Request) {
		info := client.GetVehicleInfo()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"vin":      info.VIN,
			"ignition": info.Ignition.String(),
		})
	})
	router.HandleFunc("/api/dtcs", func(w http.ResponseWriter, r *http.Request) {
		dtcs, err := client.GetDTCs(obd2.ECUIDFirst)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		codes := make([]string, 0, len(dtcs))
		for _, d := range dtcs {
			codes = append(codes, fmt.Sprintf("%s (%s)", d, d.Status))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(codes)
	})
	router.PathPrefix("/").Handler(http.FileServer(http.Dir("static")))

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		log.Printf("Starting web server on http://%s", serverAddr)
		if err := http.ListenAndServe(serverAddr, router); err != nil {
			log.Fatal(err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	clientsMux.Lock()
	for client := range clients {
		client.Close()
		delete(clients, client)
	}
	clientsMux.Unlock()

	log.Println("Shutting down")
}
