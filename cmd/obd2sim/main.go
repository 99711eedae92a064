// obd2sim emulates an OBD-II engine ECU on a (virtual) CAN interface,
// so the client library and daemon can be tested without a vehicle:
//
//	ip link add dev vcan0 type vcan && ip link set up vcan0
//	obd2sim -interface vcan0
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/anodyne74/obd2can/internal/sim"
)

func main() {
	var (
		ifName string
		vin    string
	)

	flag.StringVar(&ifName, "interface", "vcan0", "CAN interface name")
	flag.StringVar(&vin, "vin", "1HGCM82633A123456", "VIN reported via service 09 PID 02")
	flag.Parse()

	ecu := sim.DefaultEngineECU(vin)

	simulator, err := sim.New(ifName, ecu)
	if err != nil {
		log.Fatalf("Failed to start simulator: %v", err)
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		simulator.Stop()
	}()

	log.Printf("Simulating ECU 0x%03X on %s", ecu.ID, ifName)
	if err := simulator.Run(); err != nil {
		log.Fatalf("Simulator stopped: %v", err)
	}
}
