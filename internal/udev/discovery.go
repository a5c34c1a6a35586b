package udev

import (
	"github.com/ydb-platform/udev-monitor/internal/mux"
)

type Id string

// Record is a device as stored in the udev database.
type Record interface {
	Id() Id
	Parent() Record
	Subsystem() string
	DevType() string
	DevNode() string
	Driver() string
	DevLinks() []string
	Properties() map[string]string
	Property(string) string
	PropertyLookup(string) string
	Tags() []string

	Debug() string
}

// Match selects records during enumeration. Exactly one of Subsystem and Tag
// is set; DevType narrows a subsystem match.
type Match struct {
	Subsystem string
	DevType   string
	Tag       string
}

// DaemonStatus reports whether the udev daemon control socket exists.
type DaemonStatus struct {
	Running bool
	Path    string
}

type Watcher interface {
	mux.Source[DaemonStatus]
	Status() DaemonStatus
	Close()
}
