//go:build linux

package coordination

import "syscall"

func getSysProcAttr() *syscall.SysProcAttr {
	// If this process dies, deliver a SIGTERM to the `etcd` process
	// so a wrapping `go test` doesn't hang awaiting the child.
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
}
