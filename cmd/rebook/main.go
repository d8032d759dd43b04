package main

import (
	"os"

	"rebook/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
