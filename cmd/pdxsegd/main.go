// Command pdxsegd runs the pdxseg daemon in the foreground. It is equivalent
// to `pdxseg serve` and suits process supervisors that expect a dedicated
// binary.
package main

import (
	"context"
	"flag"
	"log"

	"pdxseg/internal/config"
	"pdxseg/internal/daemonrun"
)

func main() {
	configPath := flag.String("config", "", "Configuration file path")
	logLevel := flag.String("log-level", "", "Override logging.level")
	flag.Parse()

	cfg, _, _, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := daemonrun.Run(context.Background(), cfg, daemonrun.Options{LogLevel: *logLevel}); err != nil {
		log.Fatalf("pdxsegd: %v", err)
	}
}
