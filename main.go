package main

import (
	"os"

	"github.com/outpost-sec/outpost/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
