package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"example.com/backstage/services/search/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Failed to execute command")
		os.Exit(1)
	}
}
