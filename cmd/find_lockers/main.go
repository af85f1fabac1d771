package main

import (
	"os"

	"github.com/buildwatch/buildwatch/internal/cli"
)

func main() {
	if err := cli.NewFindLockersCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
