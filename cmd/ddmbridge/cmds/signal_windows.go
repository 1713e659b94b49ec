package cmds

import "os"

var stopSignals = []os.Signal{os.Interrupt}
