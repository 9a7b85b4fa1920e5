package main

import (
	"os"

	"github.com/aleenprd/docbt/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
