package main

import (
	"strings"

	"github.com/ydb-platform/udev-monitor/internal/udev"
	"github.com/ydb-platform/udev-monitor/internal/uevent"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Config", func() {
	It("should apply defaults to an empty document", func() {
		config, err := parseConfig(strings.NewReader(""))
		Expect(err).NotTo(HaveOccurred())
		Expect(config.source).To(Equal(uevent.SourceUdev))
		Expect(config.Output).To(Equal(OutputText))
		Expect(config.Listen).To(Equal(":8080"))
		Expect(config.UdevRunDir).To(Equal(udev.DefaultRunDir))
	})

	It("should parse a full document", func() {
		config, err := parseConfig(strings.NewReader(`
source: kernel
receiveBufferSize: 1048576
filters:
  - subsystem: block
    devtype: partition
  - tag: systemd
enumerate: true
resolve: true
output: yaml
listen: ""
healthSocket: /run/udev-monitor
udevRunDir: /tmp/udev
`))
		Expect(err).NotTo(HaveOccurred())
		Expect(config.source).To(Equal(uevent.SourceKernel))
		Expect(config.ReceiveBufferSize).To(Equal(1 << 20))
		Expect(config.Enumerate).To(BeTrue())
		Expect(config.Resolve).To(BeTrue())
		Expect(config.Output).To(Equal(OutputYAML))
		Expect(config.Listen).To(BeEmpty())
		Expect(config.HealthSocket).To(Equal("/run/udev-monitor"))
		Expect(config.UdevRunDir).To(Equal("/tmp/udev"))
		Expect(config.matches()).To(Equal([]udev.Match{
			{Subsystem: "block", DevType: "partition"},
			{Tag: "systemd"},
		}))
	})

	It("should report every invalid field", func() {
		_, err := parseConfig(strings.NewReader(`
source: hal
receiveBufferSize: -1
filters:
  - subsystem: block
    tag: systemd
  - devtype: disk
  - {}
output: json
`))
		Expect(err).To(HaveOccurred())
		for _, field := range []string{".source", ".receiveBufferSize", ".filters[0]", ".filters[1]", ".filters[2]", ".output"} {
			Expect(err.Error()).To(ContainSubstring(field))
		}
	})

	It("should reject unknown keys", func() {
		_, err := parseConfig(strings.NewReader("sources: udev\n"))
		Expect(err).To(HaveOccurred())
	})

	DescribeTable("config sources",
		func(value string, valid bool) {
			var flag ConfigFlag
			err := flag.Set(value)
			if !valid {
				Expect(err).To(HaveOccurred())
				return
			}
			Expect(err).NotTo(HaveOccurred())
			Expect(flag.String()).To(Equal(value))
		},
		Entry("file", "file:/etc/udev-monitor.yaml", true),
		Entry("env", "env:UDEV_MONITOR_CONFIG", true),
		Entry("stdin", "stdin", true),
		Entry("bare path", "/etc/udev-monitor.yaml", false),
	)

	It("should read config from the environment", func() {
		GinkgoT().Setenv("UDEV_MONITOR_TEST_CONFIG", "source: kernel\n")
		var flag ConfigFlag
		Expect(flag.Set("env:UDEV_MONITOR_TEST_CONFIG")).To(Succeed())

		reader, closer, err := flag.open()
		Expect(err).NotTo(HaveOccurred())
		defer closer()

		config, err := parseConfig(reader)
		Expect(err).NotTo(HaveOccurred())
		Expect(config.source).To(Equal(uevent.SourceKernel))
	})

	It("should fail on an unset variable", func() {
		var flag ConfigFlag
		Expect(flag.Set("env:UDEV_MONITOR_UNSET_VARIABLE")).To(Succeed())
		_, _, err := flag.open()
		Expect(err).To(HaveOccurred())
	})
})
