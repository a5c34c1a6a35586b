package udev

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	libudev "github.com/jochenvg/go-udev"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/udev-monitor/internal/mux"
	"github.com/ydb-platform/udev-monitor/internal/uevent"
)

var ErrNotFound = errors.New("device not found in udev database")

type generic struct {
	udev *Database

	dev    *libudev.Device
	parent Record
}

func (g *generic) Id() Id {
	return Id(g.dev.Syspath())
}

func (g *generic) Parent() Record {
	if g.parent == nil {
		if parent := g.dev.Parent(); parent != nil {
			g.parent = &generic{udev: g.udev, dev: parent}
		}
	}
	return g.parent
}

func (g *generic) Subsystem() string {
	return g.dev.Subsystem()
}

func (g *generic) DevType() string {
	return g.dev.Devtype()
}

func (g *generic) DevNode() string {
	return g.dev.Devnode()
}

func (g *generic) Driver() string {
	return g.dev.Driver()
}

func (g *generic) DevLinks() []string {
	return sortedKeys(g.dev.Devlinks())
}

func (g *generic) Properties() map[string]string {
	return g.dev.Properties()
}

func (g *generic) Property(key string) string {
	return strings.TrimSpace(g.dev.PropertyValue(key))
}

func (g *generic) PropertyLookup(key string) string {
	value := g.Property(key)
	if value == "" {
		if parent := g.Parent(); parent != nil {
			return parent.PropertyLookup(key)
		}
	}

	return value
}

func (g *generic) Tags() []string {
	return sortedKeys(g.dev.Tags())
}

func (g *generic) Debug() string {
	return fmt.Sprintf("Record[ID=%s, Subsystem=%s, DevType=%s, DevNode=%s, Driver=%s, Links=%v, Tags=%v, Properties=%v]",
		g.Id(),
		g.Subsystem(),
		g.DevType(),
		g.DevNode(),
		g.Driver(),
		g.DevLinks(),
		g.Tags(),
		g.Properties(),
	)
}

func sortedKeys(set map[string]struct{}) []string {
	res := make([]string, 0, len(set))
	for key := range set {
		res = append(res, key)
	}
	sort.Strings(res)
	return res
}

// Database reads device records from the udev database.
type Database struct {
	udev libudev.Udev
}

func NewDatabase() *Database {
	return &Database{}
}

func (d *Database) wrap(dev *libudev.Device) Record {
	return &generic{udev: d, dev: dev}
}

// MatchFilter combines matches the way the event monitor does: subsystem
// matches are alternatives, tag matches are alternatives, and a record has
// to satisfy both groups when both are present.
func MatchFilter(matches []Match) mux.FilterFunc[Record] {
	var subsystems, tags []mux.FilterFunc[Record]
	for _, m := range matches {
		switch {
		case m.Subsystem != "":
			subsystems = append(subsystems, subsystemFilter(m.Subsystem, m.DevType))
		case m.Tag != "":
			tags = append(tags, tagFilter(m.Tag))
		}
	}

	filter := mux.Any[Record]()
	if len(subsystems) > 0 {
		filter = mux.And(filter, mux.Or(subsystems...))
	}
	if len(tags) > 0 {
		filter = mux.And(filter, mux.Or(tags...))
	}
	return filter
}

func subsystemFilter(subsystem, devtype string) mux.FilterFunc[Record] {
	return func(r Record) bool {
		return r.Subsystem() == subsystem && (devtype == "" || r.DevType() == devtype)
	}
}

func tagFilter(tag string) mux.FilterFunc[Record] {
	return func(r Record) bool {
		for _, t := range r.Tags() {
			if t == tag {
				return true
			}
		}
		return false
	}
}

// Enumerate lists devices that satisfy matches. No matches lists
// every device.
func (d *Database) Enumerate(matches []Match) ([]Record, error) {
	enum := d.udev.NewEnumerate()
	for _, m := range matches {
		if m.Subsystem == "" {
			continue
		}
		if err := enum.AddMatchSubsystem(m.Subsystem); err != nil {
			return nil, fmt.Errorf("failed to match subsystem %q: %w", m.Subsystem, err)
		}
	}

	devs, err := enum.Devices()
	if err != nil {
		klog.Errorf("Failed to enumerate devices: %v", err)
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	filter := MatchFilter(matches)
	res := make([]Record, 0, len(devs))
	for _, dev := range devs {
		if dev == nil {
			klog.Error("udev device is nil!")
			continue
		}
		record := d.wrap(dev)
		if filter(record) {
			res = append(res, record)
		}
	}
	klog.V(4).Infof("Enumerated %d of %d devices", len(res), len(devs))
	return res, nil
}

// Lookup reads the record of the device at syspath.
func (d *Database) Lookup(syspath string) (Record, error) {
	dev := d.udev.NewDeviceFromSyspath(syspath)
	if dev == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, syspath)
	}
	return d.wrap(dev), nil
}

// Resolve reads the database record behind a received event. Removed
// devices have no record left.
func (d *Database) Resolve(dev *uevent.Device) (Record, error) {
	if dev.Action == uevent.ActionRemove {
		return nil, fmt.Errorf("%w: %s was removed", ErrNotFound, dev.SysPath())
	}
	return d.Lookup(dev.SysPath())
}
