// runwatch watches a live speedrun and announces a promising in-game time.
package main

import (
	"os"

	"github.com/GriffinCanCode/runwatch/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
