// Command udfcore runs, serves, and tests sandboxed mutation functions.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/udfcore/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
