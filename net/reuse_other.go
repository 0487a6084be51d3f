//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package net

import "syscall"

func reuseAddrControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
