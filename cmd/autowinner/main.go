package main

import (
	"os"

	"github.com/headline-goat/autowinner/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
