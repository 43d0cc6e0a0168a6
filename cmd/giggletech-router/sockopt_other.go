//go:build !linux && !darwin && !freebsd

package main

import (
	"errors"
	"syscall"
)

func reusePortControl(network, address string, c syscall.RawConn) error {
	return errors.New("setup.reuse_port is not supported on this platform")
}

const reusePortSupported = false
