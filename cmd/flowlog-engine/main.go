package main

import (
	"log"

	"github.com/cordum/flowlog/core/controlplane/workflowengine"
	"github.com/cordum/flowlog/core/infra/buildinfo"
	"github.com/cordum/flowlog/core/infra/config"
)

func main() {
	log.Println("flowlog engine starting...")
	buildinfo.Log("flowlog-engine")
	cfg := config.Load()
	if err := workflowengine.Run(cfg); err != nil {
		log.Fatalf("flowlog engine error: %v", err)
	}
}
