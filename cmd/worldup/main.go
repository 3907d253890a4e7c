// Command worldup upgrades the region files of a world to the latest data
// version.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/eunmann/worldup/internal/cli"
	"github.com/eunmann/worldup/pkg/worldupgrade"
)

func main() {
	if err := cli.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, worldupgrade.ErrCanceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}
