/*
This command provides the executable version of the gateway.

For the list of command line options, run:

	gateway -help

For details about the usage, see the documentation of the root gateway
package.
*/
package main

import (
	log "github.com/sirupsen/logrus"

	"github.com/shoplane/gateway/config"
	"github.com/shoplane/gateway/gateway"
)

func main() {
	cfg := config.NewConfig()
	if err := cfg.Parse(); err != nil {
		log.Fatalf("Error processing config: %s", err)
	}

	if err := gateway.Run(cfg); err != nil {
		log.Fatal(err)
	}
}
