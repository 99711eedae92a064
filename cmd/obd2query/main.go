// obd2query runs one-shot diagnostic queries against a vehicle:
// identity, discovered ECUs, supported PIDs, trouble codes, or a
// single decoded value.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	obd2 "github.com/anodyne74/obd2can"
)

func main() {
	var (
		ifName    string
		queryType string
		ecuFlag   string
		service   uint
		pidFlag   string
		formula   string
		watch     bool
		outJSON   bool
	)

	flag.StringVar(&ifName, "interface", "can0", "CAN interface name")
	flag.StringVar(&queryType, "query", "info", "Type of query: info, ecus, pids, dtcs, clear, value")
	flag.StringVar(&ecuFlag, "ecu", "0x7E0", "ECU request id")
	flag.UintVar(&service, "service", 0x01, "Service id for pids/value queries")
	flag.StringVar(&pidFlag, "pid", "0x0C", "PID for value queries")
	flag.StringVar(&formula, "formula", "(a*256+b)/4", "Decoding formula for value queries")
	flag.BoolVar(&watch, "watch", false, "Keep printing the value once per second")
	flag.BoolVar(&outJSON, "json", false, "Output in JSON format")
	flag.Parse()

	ecuID, err := strconv.ParseUint(ecuFlag, 0, 32)
	if err != nil {
		log.Fatalf("Invalid ECU id %q: %v", ecuFlag, err)
	}
	pid, err := strconv.ParseUint(pidFlag, 0, 16)
	if err != nil {
		log.Fatalf("Invalid PID %q: %v", pidFlag, err)
	}

	client, err := obd2.New(ifName, 1000, false)
	if err != nil {
		log.Fatalf("Failed to open %s: %v", ifName, err)
	}
	defer client.Close()

	switch queryType {
	case "info":
		if !client.IsConnectionActive() {
			log.Fatal("No vehicle responded")
		}
		info := client.GetVehicleInfo()
		outputData(map[string]string{
			"vin":      info.VIN,
			"ignition": info.Ignition.String(),
		}, outJSON)

	case "ecus":
		if !client.IsConnectionActive() {
			log.Fatal("No vehicle responded")
		}
		type ecuOut struct {
			ID   string `json:"id"`
			Name string `json:"name,omitempty"`
			PIDs string `json:"service01Pids,omitempty"`
		}
		var out []ecuOut
		for _, e := range client.GetECUs() {
			out = append(out, ecuOut{
				ID:   fmt.Sprintf("0x%03X", e.ID()),
				Name: e.Name(),
				PIDs: fmt.Sprintf("% X", e.SupportedPIDs(0x01)),
			})
		}
		outputData(out, outJSON)

	case "pids":
		pids, err := client.GetSupportedPIDs(uint32(ecuID), byte(service))
		if err != nil {
			log.Fatalf("Failed to query supported PIDs: %v", err)
		}
		outputData(fmt.Sprintf("% X", pids), outJSON)

	case "dtcs":
		dtcs, err := client.GetDTCs(uint32(ecuID))
		if err != nil {
			log.Fatalf("Failed to query DTCs: %v", err)
		}
		var out []string
		for _, d := range dtcs {
			out = append(out, fmt.Sprintf("%s (%s)", d, d.Status))
		}
		outputData(out, outJSON)

	case "clear":
		if err := client.ClearDTCs(uint32(ecuID)); err != nil {
			log.Fatalf("Failed to clear DTCs: %v", err)
		}
		fmt.Println("Clear command sent")

	case "value":
		r, err := client.AddRequest(uint32(ecuID), byte(service), uint16(pid), formula, watch)
		if err != nil {
			log.Fatalf("Failed to add request: %v", err)
		}

		for {
			time.Sleep(time.Second)

			v, err := r.Value()
			if err != nil {
				log.Fatalf("Failed to read value: %v", err)
			}
			raw, err := r.Raw()
			if err != nil {
				log.Fatalf("Failed to read raw bytes: %v", err)
			}

			outputData(map[string]interface{}{
				"value": v,
				"raw":   fmt.Sprintf("% X", raw),
			}, outJSON)

			if !watch {
				break
			}
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown query type %q\n", queryType)
		flag.Usage()
		os.Exit(2)
	}
}

func outputData(data interface{}, outJSON bool) {
	if outJSON {
		payload, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			log.Fatalf("Failed to marshal data: %v", err)
		}
		fmt.Println(string(payload))
		return
	}

	switch v := data.(type) {
	case map[string]string:
		for k, val := range v {
			fmt.Printf("%s: %s\n", k, val)
		}
	case []string:
		if len(v) == 0 {
			fmt.Println("(none)")
		}
		for _, s := range v {
			fmt.Println(s)
		}
	default:
		fmt.Printf("%+v\n", v)
	}
}
