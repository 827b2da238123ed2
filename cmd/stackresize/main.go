// Command stackresize resizes layered storage stacks: an LVM logical
// volume, an optional dm-crypt mapping, and an optional filesystem,
// treated as one unit.
package main

import (
	"fmt"
	"os"

	stackresize "github.com/superfly/stackresize"
	"github.com/superfly/stackresize/cli"
)

var version = "dev"

func main() {
	cli.SetVersion(version)

	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(stackresize.ExitCode(err))
	}
}
