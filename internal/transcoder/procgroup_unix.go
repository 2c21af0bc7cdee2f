//go:build unix

package transcoder

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func interruptGroup(p *os.Process) error {
	return signalGroup(p, unix.SIGINT)
}

func killGroup(p *os.Process) error {
	return signalGroup(p, unix.SIGKILL)
}

func signalGroup(p *os.Process, sig unix.Signal) error {
	pgid, err := unix.Getpgid(p.Pid)
	if err != nil {
		return p.Signal(sig)
	}
	return unix.Kill(-pgid, sig)
}
