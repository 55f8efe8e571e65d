package main

import (
	"log"

	"github.com/pagepilot/pagepilot/core/controlplane/gateway"
	"github.com/pagepilot/pagepilot/core/infra/buildinfo"
	"github.com/pagepilot/pagepilot/core/infra/config"
)

func main() {
	log.Println("pagepilot gateway starting...")
	buildinfo.Log("pagepilot-gateway")
	cfg := config.Load()
	if err := gateway.Run(cfg); err != nil {
		log.Fatalf("gateway error: %v", err)
	}
}
