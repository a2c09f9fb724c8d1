// Command compsync synchronizes course-completion records to a compliance API.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/compsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		// Commands print their own FAIL line; report anything that escaped it.
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
