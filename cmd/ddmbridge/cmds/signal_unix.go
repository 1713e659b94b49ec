//go:build !windows

package cmds

import (
	"os"

	sys "golang.org/x/sys/unix"
)

var stopSignals = []os.Signal{sys.SIGINT, sys.SIGTERM}
