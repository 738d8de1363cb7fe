package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/chainsafe/shielded-broadcaster/pkg/app"
	"github.com/chainsafe/shielded-broadcaster/pkg/app/broadcaster"
	"github.com/chainsafe/shielded-broadcaster/pkg/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var runner app.Runner = broadcaster.NewServer(cfg)
	if err := runner.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Broadcaster exited: %v\n", err)
		os.Exit(1)
	}
}
