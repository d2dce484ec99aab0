//go:build windows

package main

import "os"

var triggerSignals []os.Signal
