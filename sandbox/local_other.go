//go:build !linux

package sandbox

import (
	"os"
	"os/exec"
)

func prepareCommand(*exec.Cmd) {}

func setProcessLimits(int, Limits) error { return nil }

func peakRSS(*os.ProcessState) int64 { return 0 }
