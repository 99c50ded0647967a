//go:build !unix

package runner

import "os"

// Stop/continue signals do not exist here, so pause only closes the
// read gate and the process keeps running until the gate reopens.
func suspendProcess(p *os.Process) error { return nil }

func continueProcess(p *os.Process) error { return nil }

// No graceful signal either; fall through to Kill.
func gracefulSignal(p *os.Process) error {
	return p.Kill()
}

func processAlive(p *os.Process) bool { return false }
