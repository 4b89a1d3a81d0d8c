package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/hpcflow/cosched/cmd/cosched/cmd"
	"github.com/hpcflow/cosched/internal/common/logging"
)

func main() {
	if err := logging.ConfigureLogging(logging.Config{Level: "info", Format: logging.FormatText}, os.Stdout); err != nil {
		log.Fatal(err)
	}
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
