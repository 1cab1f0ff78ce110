//go:build windows

package runner

import "os/exec"

func configureCommandProcess(cmd *exec.Cmd) {}
