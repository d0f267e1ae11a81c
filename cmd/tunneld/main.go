package main

import (
	"os"

	"github.com/hostbound/tunneld/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
