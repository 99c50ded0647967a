//go:build unix

package runner

import (
	"os"
	"syscall"
)

// suspendProcess stops the process without killing it (SIGSTOP).
func suspendProcess(p *os.Process) error {
	return p.Signal(syscall.SIGSTOP)
}

// continueProcess resumes a suspended process (SIGCONT).
func continueProcess(p *os.Process) error {
	return p.Signal(syscall.SIGCONT)
}

// gracefulSignal asks the process to exit (SIGTERM).
func gracefulSignal(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// processAlive probes the process with signal 0.
func processAlive(p *os.Process) bool {
	return p.Signal(syscall.Signal(0)) == nil
}
