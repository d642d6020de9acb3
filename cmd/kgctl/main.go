package main

import (
	"fmt"
	"os"

	"github.com/OFFIS-RIT/kiwi/grounding/internal/cli"
	"github.com/OFFIS-RIT/kiwi/grounding/internal/util"
)

func main() {
	util.LoadEnv()
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
