package main

import (
	"os"

	"github.com/harun/mudra/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
