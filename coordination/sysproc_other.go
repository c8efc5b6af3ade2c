//go:build !linux

package coordination

import "syscall"

func getSysProcAttr() *syscall.SysProcAttr { return new(syscall.SysProcAttr) }
