//go:build unix

package main

import (
	"net"
	"syscall"
)

// listenUnix binds path with a 0177 umask so the socket is never reachable
// by group or others, not even before the following chmod.
func listenUnix(path string) (net.Listener, error) {
	old := syscall.Umask(0o177)
	defer syscall.Umask(old)
	return net.Listen("unix", path)
}
