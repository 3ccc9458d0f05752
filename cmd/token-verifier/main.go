package main

import (
	"os"

	"github.com/holos-run/token-verifier/cli"
)

func main() {
	os.Exit(cli.Main())
}
