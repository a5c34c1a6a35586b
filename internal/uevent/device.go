package uevent

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"path"
	"slices"
	"strconv"
	"strings"
)

const (
	ActionAdd     = "add"
	ActionRemove  = "remove"
	ActionChange  = "change"
	ActionMove    = "move"
	ActionOnline  = "online"
	ActionOffline = "offline"
	ActionBind    = "bind"
	ActionUnbind  = "unbind"

	PropertyAction    = "ACTION"
	PropertyDevPath   = "DEVPATH"
	PropertySubsystem = "SUBSYSTEM"
	PropertyDevType   = "DEVTYPE"
	PropertyDevName   = "DEVNAME"
	PropertyDriver    = "DRIVER"
	PropertySeqNum    = "SEQNUM"
	PropertyTags      = "TAGS"
)

var ErrMalformed = errors.New("malformed uevent")

// Device is a single device event as received from the netlink socket.
type Device struct {
	Action    string
	SeqNum    uint64
	DevPath   string
	Subsystem string
	DevType   string
	DevNode   string
	Driver    string
	Tags      []string
	// Properties holds every KEY=VALUE pair of the event, including the
	// ones mirrored in the fields above.
	Properties map[string]string
}

func (d *Device) SysPath() string {
	return "/sys" + d.DevPath
}

func (d *Device) Property(key string) string {
	return d.Properties[key]
}

func (d *Device) HasTag(tag string) bool {
	return slices.Contains(d.Tags, tag)
}

func (d *Device) String() string {
	return fmt.Sprintf("%s %s (%s) seq=%d", d.Action, d.DevPath, d.Subsystem, d.SeqNum)
}

func (d *Device) set(key, value string) error {
	switch key {
	case PropertyAction:
		d.Action = value
	case PropertyDevPath:
		d.DevPath = value
	case PropertySubsystem:
		d.Subsystem = value
	case PropertyDevType:
		d.DevType = value
	case PropertyDevName:
		if path.IsAbs(value) {
			d.DevNode = value
		} else {
			d.DevNode = path.Join("/dev", value)
		}
	case PropertyDriver:
		d.Driver = value
	case PropertySeqNum:
		seqnum, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: bad %s %q", ErrMalformed, PropertySeqNum, value)
		}
		d.SeqNum = seqnum
	case PropertyTags:
		d.Tags = d.Tags[:0]
		for _, tag := range strings.Split(value, ":") {
			if tag != "" {
				d.Tags = append(d.Tags, tag)
			}
		}
	}
	d.Properties[key] = value
	return nil
}

// Parse decodes a datagram in either the udev or the kernel wire format.
func Parse(buf []byte) (*Device, error) {
	var props []byte

	if bytes.HasPrefix(buf, []byte(headerPrefix)) {
		if len(buf) < headerSize {
			return nil, fmt.Errorf("%w: short header (%d bytes)", ErrMalformed, len(buf))
		}
		if magic := binary.BigEndian.Uint32(buf[offMagic:]); magic != headerMagic {
			return nil, fmt.Errorf("%w: unrecognized magic %#x", ErrMalformed, magic)
		}
		off := int(binary.NativeEndian.Uint32(buf[offPropertiesOff:]))
		length := int(binary.NativeEndian.Uint32(buf[offPropertiesLen:]))
		if off < headerSize || length < 0 || off+length > len(buf) {
			return nil, fmt.Errorf("%w: properties [%d:%d] outside of %d byte message", ErrMalformed, off, off+length, len(buf))
		}
		props = buf[off : off+length]
	} else {
		end := bytes.IndexByte(buf, 0)
		if end < 0 {
			end = len(buf)
		}
		if !bytes.Contains(buf[:end], []byte("@")) {
			return nil, fmt.Errorf("%w: missing action@devpath summary", ErrMalformed)
		}
		if end < len(buf) {
			props = buf[end+1:]
		}
	}

	dev := &Device{Properties: make(map[string]string)}
	for _, field := range bytes.Split(props, []byte{0}) {
		if len(field) == 0 {
			continue
		}
		key, value, ok := strings.Cut(string(field), "=")
		if !ok {
			continue
		}
		if err := dev.set(key, value); err != nil {
			return nil, err
		}
	}

	if dev.Action == "" || dev.DevPath == "" || dev.Subsystem == "" {
		return nil, fmt.Errorf("%w: ACTION, DEVPATH and SUBSYSTEM are required", ErrMalformed)
	}

	return dev, nil
}

func (d *Device) properties() []byte {
	var buf bytes.Buffer
	put := func(key, value string) {
		if value == "" {
			return
		}
		buf.WriteString(key)
		buf.WriteByte('=')
		buf.WriteString(value)
		buf.WriteByte(0)
	}

	put(PropertyAction, d.Action)
	put(PropertyDevPath, d.DevPath)
	put(PropertySubsystem, d.Subsystem)
	put(PropertyDevType, d.DevType)
	put(PropertyDevName, strings.TrimPrefix(d.DevNode, "/dev/"))
	put(PropertyDriver, d.Driver)
	if d.SeqNum != 0 {
		put(PropertySeqNum, strconv.FormatUint(d.SeqNum, 10))
	}
	if len(d.Tags) > 0 {
		put(PropertyTags, ":"+strings.Join(d.Tags, ":")+":")
	}

	keys := make([]string, 0, len(d.Properties))
	for key := range d.Properties {
		switch key {
		case PropertyAction, PropertyDevPath, PropertySubsystem, PropertyDevType,
			PropertyDevName, PropertyDriver, PropertySeqNum, PropertyTags:
			continue
		}
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		put(key, d.Properties[key])
	}

	return buf.Bytes()
}

// Marshal encodes the device in the wire format of the given source.
func (d *Device) Marshal(source Source) ([]byte, error) {
	props := d.properties()

	switch source {
	case SourceKernel:
		var buf bytes.Buffer
		buf.WriteString(d.Action)
		buf.WriteByte('@')
		buf.WriteString(d.DevPath)
		buf.WriteByte(0)
		buf.Write(props)
		return buf.Bytes(), nil
	case SourceUdev:
		buf := make([]byte, headerSize, headerSize+len(props))
		copy(buf, headerPrefix)
		binary.BigEndian.PutUint32(buf[offMagic:], headerMagic)
		binary.NativeEndian.PutUint32(buf[offHeaderSize:], headerSize)
		binary.NativeEndian.PutUint32(buf[offPropertiesOff:], headerSize)
		binary.NativeEndian.PutUint32(buf[offPropertiesLen:], uint32(len(props)))
		binary.BigEndian.PutUint32(buf[offSubsystemHash:], hash32(d.Subsystem))
		if d.DevType != "" {
			binary.BigEndian.PutUint32(buf[offDevTypeHash:], hash32(d.DevType))
		}
		var bloom uint64
		for _, tag := range d.Tags {
			bloom |= bloom64(tag)
		}
		binary.BigEndian.PutUint32(buf[offTagBloomHi:], uint32(bloom>>32))
		binary.BigEndian.PutUint32(buf[offTagBloomLo:], uint32(bloom))
		return append(buf, props...), nil
	}

	return nil, fmt.Errorf("cannot marshal device for source %q", source)
}
