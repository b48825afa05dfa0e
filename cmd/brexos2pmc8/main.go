// Command brexos2pmc8 wires the serial transport, the mount engine,
// and the PMC8 translator together and runs them: an optional
// -config flag reloads settings before startup, the logger is synced
// on exit, and any init failure is fatal.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"brexos2pmc8/internal/config"
	"brexos2pmc8/internal/logging"
	"brexos2pmc8/internal/mount"
	"brexos2pmc8/internal/pmc8"
	"brexos2pmc8/internal/serial"
)

func main() {
	conf := flag.String("config", "", "Path to config file")
	flag.Parse()

	if *conf != "" {
		if err := config.Reload(*conf); err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			os.Exit(1)
		}
	}

	log := logging.Logger
	defer log.Sync()

	log.Info("brexos2pmc8 starting",
		zap.String("serialDevice", config.Global.SerialDevice),
		zap.String("pmc8Listen", config.Global.PMC8Listen))

	port, err := serial.Open(config.Global.SerialDevice)
	if err != nil {
		log.Error("failed to open serial device", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}

	engine := mount.New(port, config.Global.ManagerTick, log)
	engine.Start()
	defer engine.Stop()

	server := pmc8.New(config.Global.PMC8Listen, engine, log)
	if err := server.Run(); err != nil {
		log.Error("pmc8 server exited", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}
