package main

import (
	"os"

	"github.com/knoguchi/pagerag/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
