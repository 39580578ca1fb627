package main

import (
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/countcam/countcam/server"
	"github.com/countcam/countcam/server/config"
	"github.com/cyclopcam/logs"
)

func main() {
	parser := argparse.NewParser("countcam", "Vehicle counting server")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Configuration file", Default: ""})
	port := parser.Int("p", "port", &argparse.Options{Help: "Override HTTP listen port", Default: 0})
	assignIDs := parser.Flag("", "assign-track-ids", &argparse.Options{Help: "Assign track ids to untracked detections (for detectors without a tracker)", Default: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *assignIDs {
		cfg.AssignTrackIDs = true
	}

	srv, err := server.NewServer(logger, cfg)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	srv.ListenForKillSignals()

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	if err := srv.ListenHTTP(); err != nil {
		logger.Infof("ListenHTTP returned: %v", err)
	}
}
