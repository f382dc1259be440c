//go:build !linux

package rt

import "errors"

var errUnsupported = errors.New("rt: not supported on this platform")

func lockMemory() error {
	return errUnsupported
}

func setFIFO(priority int) error {
	return errUnsupported
}
