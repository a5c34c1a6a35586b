package main

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/ydb-platform/udev-monitor/internal/mux"
	"github.com/ydb-platform/udev-monitor/internal/udev"
	"github.com/ydb-platform/udev-monitor/internal/uevent"
)

// event is a received device event, optionally with its database record.
type event struct {
	device *uevent.Device
	record udev.Record
}

type eventDoc struct {
	Action     string            `yaml:"action,omitempty"`
	SeqNum     uint64            `yaml:"seqnum,omitempty"`
	SysPath    string            `yaml:"syspath"`
	Subsystem  string            `yaml:"subsystem"`
	DevType    string            `yaml:"devtype,omitempty"`
	DevNode    string            `yaml:"devnode,omitempty"`
	Driver     string            `yaml:"driver,omitempty"`
	DevLinks   []string          `yaml:"devlinks,omitempty"`
	Tags       []string          `yaml:"tags,omitempty"`
	Properties map[string]string `yaml:"properties,omitempty"`
}

func deviceDoc(dev *uevent.Device, record udev.Record) eventDoc {
	doc := eventDoc{
		Action:     dev.Action,
		SeqNum:     dev.SeqNum,
		SysPath:    dev.SysPath(),
		Subsystem:  dev.Subsystem,
		DevType:    dev.DevType,
		DevNode:    dev.DevNode,
		Driver:     dev.Driver,
		Tags:       dev.Tags,
		Properties: dev.Properties,
	}
	if record != nil {
		doc.DevLinks = record.DevLinks()
		if doc.Driver == "" {
			doc.Driver = record.Driver()
		}
	}
	return doc
}

func recordDoc(record udev.Record) eventDoc {
	return eventDoc{
		SysPath:    string(record.Id()),
		Subsystem:  record.Subsystem(),
		DevType:    record.DevType(),
		DevNode:    record.DevNode(),
		Driver:     record.Driver(),
		DevLinks:   record.DevLinks(),
		Tags:       record.Tags(),
		Properties: record.Properties(),
	}
}

type printer interface {
	mux.Sink[event]
	Record(udev.Record) error
}

type textPrinter struct {
	out io.Writer
}

func (p *textPrinter) line(doc eventDoc) error {
	var b strings.Builder
	action := doc.Action
	if action == "" {
		action = "exists"
	}
	fmt.Fprintf(&b, "%-8s %s (%s", action, doc.SysPath, doc.Subsystem)
	if doc.DevType != "" {
		fmt.Fprintf(&b, "/%s", doc.DevType)
	}
	b.WriteString(")")
	if doc.SeqNum > 0 {
		fmt.Fprintf(&b, " seq=%d", doc.SeqNum)
	}
	if doc.DevNode != "" {
		fmt.Fprintf(&b, " node=%s", doc.DevNode)
	}
	if len(doc.Tags) > 0 {
		fmt.Fprintf(&b, " tags=%s", strings.Join(doc.Tags, ","))
	}
	if len(doc.DevLinks) > 0 {
		fmt.Fprintf(&b, " links=%s", strings.Join(doc.DevLinks, ","))
	}
	b.WriteString("\n")
	_, err := io.WriteString(p.out, b.String())
	return err
}

func (p *textPrinter) Submit(ev event) error {
	return p.line(deviceDoc(ev.device, ev.record))
}

func (p *textPrinter) Record(record udev.Record) error {
	return p.line(recordDoc(record))
}

func (p *textPrinter) Close() {}

type yamlPrinter struct {
	encoder *yaml.Encoder
}

func (p *yamlPrinter) Submit(ev event) error {
	return p.encoder.Encode(deviceDoc(ev.device, ev.record))
}

func (p *yamlPrinter) Record(record udev.Record) error {
	return p.encoder.Encode(recordDoc(record))
}

func (p *yamlPrinter) Close() {
	if err := p.encoder.Close(); err != nil {
		klog.Errorf("failed to flush yaml output: %v", err)
	}
}

func newPrinter(format string, out io.Writer) printer {
	if format == OutputYAML {
		encoder := yaml.NewEncoder(out)
		encoder.SetIndent(2)
		return &yamlPrinter{encoder: encoder}
	}
	return &textPrinter{out: out}
}
