package main

import (
	"os"

	"github.com/loqalabs/loqa-voicebridge/cmd/voicebridgectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
