package main

import (
	"os"

	"github.com/Dhoini/billing-sync/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
