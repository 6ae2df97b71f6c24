package process

import (
	"os"
	"syscall"
)

// terminateSignal returns the signal used for graceful shutdown requests.
func terminateSignal() os.Signal {
	return syscall.SIGTERM
}
