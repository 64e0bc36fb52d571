package main

import (
	"os"

	"github.com/osm-transform/osm-transform/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
