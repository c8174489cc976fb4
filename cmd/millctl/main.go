// millctl runs the downtime sequence reports over an event log file.
package main

import (
	"os"

	"github.com/millpulse/backend/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
