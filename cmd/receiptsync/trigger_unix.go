//go:build !windows

package main

import (
	"os"
	"syscall"
)

// triggerSignals ask a running serve to drain the queue now.
var triggerSignals = []os.Signal{syscall.SIGUSR1}
