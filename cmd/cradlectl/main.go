package main

import (
	"os"

	"github.com/psantana5/cradle/cmd/cradlectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
