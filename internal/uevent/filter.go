package uevent

import (
	"fmt"

	"golang.org/x/net/bpf"

	"github.com/ydb-platform/udev-monitor/internal/mux"
)

// Layout of the header udev prepends to every message it re-broadcasts.
const (
	headerPrefix = "libudev\x00"
	headerMagic  = 0xfeedcafe
	headerSize   = 40

	offMagic         = 8
	offHeaderSize    = 12
	offPropertiesOff = 16
	offPropertiesLen = 20
	offSubsystemHash = 24
	offDevTypeHash   = 28
	offTagBloomHi    = 32
	offTagBloomLo    = 36
)

const (
	bpfPass = 0xffffffff
	bpfDrop = 0

	// classic BPF programs are limited to 4096 instructions, but jump
	// offsets only reach 255 which bounds the number of tag matches.
	maxTagMatches = 255 / 6
)

type subsystemMatch struct {
	subsystem string
	devtype   string
}

// FilterSet is the collection of subsystem and tag predicates installed on a
// connection. Predicates of the same kind are OR-ed, the subsystem group and
// the tag group are AND-ed.
type FilterSet struct {
	subsystems []subsystemMatch
	tags       []string
}

func (f *FilterSet) AddSubsystem(subsystem, devtype string) error {
	if subsystem == "" {
		return fmt.Errorf("subsystem must not be empty")
	}
	f.subsystems = append(f.subsystems, subsystemMatch{subsystem, devtype})
	return nil
}

func (f *FilterSet) AddTag(tag string) error {
	if tag == "" {
		return fmt.Errorf("tag must not be empty")
	}
	if len(f.tags) >= maxTagMatches {
		return fmt.Errorf("too many tag filters, at most %d supported", maxTagMatches)
	}
	f.tags = append(f.tags, tag)
	return nil
}

func (f *FilterSet) Reset() {
	f.subsystems = nil
	f.tags = nil
}

func (f *FilterSet) Empty() bool {
	return len(f.subsystems) == 0 && len(f.tags) == 0
}

// Match is the user-space counterpart of Program.
func (f *FilterSet) Match() mux.FilterFunc[*Device] {
	subsystems := make([]mux.FilterFunc[*Device], 0, len(f.subsystems))
	for _, m := range f.subsystems {
		subsystems = append(subsystems, func(d *Device) bool {
			return d.Subsystem == m.subsystem && (m.devtype == "" || d.DevType == m.devtype)
		})
	}
	tags := make([]mux.FilterFunc[*Device], 0, len(f.tags))
	for _, tag := range f.tags {
		tags = append(tags, func(d *Device) bool {
			return d.HasTag(tag)
		})
	}

	match := make([]mux.FilterFunc[*Device], 0, 2)
	if len(subsystems) > 0 {
		match = append(match, mux.Or(subsystems...))
	}
	if len(tags) > 0 {
		match = append(match, mux.Or(tags...))
	}
	return mux.And(match...)
}

// Program assembles the socket filter evaluated by the kernel. Messages that
// do not carry the udev header are always passed. It returns nil when the set
// is empty.
func (f *FilterSet) Program() ([]bpf.RawInstruction, error) {
	if f.Empty() {
		return nil, nil
	}

	prog := []bpf.Instruction{
		bpf.LoadAbsolute{Off: offMagic, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: headerMagic, SkipTrue: 1},
		bpf.RetConstant{Val: bpfPass},
	}

	if len(f.tags) > 0 {
		remaining := len(f.tags)
		for _, tag := range f.tags {
			bloom := bloom64(tag)
			hi, lo := uint32(bloom>>32), uint32(bloom)
			remaining--
			prog = append(prog,
				bpf.LoadAbsolute{Off: offTagBloomHi, Size: 4},
				bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: hi},
				bpf.JumpIf{Cond: bpf.JumpEqual, Val: hi, SkipFalse: 3},
				bpf.LoadAbsolute{Off: offTagBloomLo, Size: 4},
				bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: lo},
				// skip the remaining tag blocks and the drop below
				bpf.JumpIf{Cond: bpf.JumpEqual, Val: lo, SkipTrue: uint8(1 + remaining*6)},
			)
		}
		prog = append(prog, bpf.RetConstant{Val: bpfDrop})
	}

	if len(f.subsystems) > 0 {
		for _, m := range f.subsystems {
			prog = append(prog, bpf.LoadAbsolute{Off: offSubsystemHash, Size: 4})
			if m.devtype == "" {
				prog = append(prog,
					bpf.JumpIf{Cond: bpf.JumpEqual, Val: hash32(m.subsystem), SkipFalse: 1},
				)
			} else {
				prog = append(prog,
					bpf.JumpIf{Cond: bpf.JumpEqual, Val: hash32(m.subsystem), SkipFalse: 3},
					bpf.LoadAbsolute{Off: offDevTypeHash, Size: 4},
					bpf.JumpIf{Cond: bpf.JumpEqual, Val: hash32(m.devtype), SkipFalse: 1},
				)
			}
			prog = append(prog, bpf.RetConstant{Val: bpfPass})
		}
		prog = append(prog, bpf.RetConstant{Val: bpfDrop})
	}

	prog = append(prog, bpf.RetConstant{Val: bpfPass})

	raw, err := bpf.Assemble(prog)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble socket filter: %w", err)
	}
	return raw, nil
}
