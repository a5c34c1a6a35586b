package uevent

import (
	"fmt"
)

// Source names the netlink multicast group a connection listens on.
type Source string

const (
	// SourceUdev carries events re-broadcast by the udev daemon after the
	// device has been processed by its rules.
	SourceUdev Source = "udev"
	// SourceKernel carries raw events straight from the kernel, before udev
	// has configured the device.
	SourceKernel Source = "kernel"
)

const (
	groupNone   uint32 = 0
	groupKernel uint32 = 1
	groupUdev   uint32 = 2
)

func ParseSource(name string) (Source, error) {
	switch Source(name) {
	case SourceUdev, SourceKernel:
		return Source(name), nil
	}
	return "", fmt.Errorf("invalid source %q, must be one of %q or %q", name, SourceUdev, SourceKernel)
}

func (s Source) String() string {
	return string(s)
}

func (s Source) group() uint32 {
	switch s {
	case SourceKernel:
		return groupKernel
	case SourceUdev:
		return groupUdev
	}
	return groupNone
}
