package udev_test

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/ydb-platform/udev-monitor/internal/mux"
	"github.com/ydb-platform/udev-monitor/internal/udev"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("DaemonWatcher", func() {
	var (
		dir     string
		wg      *sync.WaitGroup
		watcher *udev.DaemonWatcher
	)

	start := func() {
		var err error
		watcher, err = udev.NewDaemonWatcher(dir, wg)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() {
			watcher.Close()
			wg.Wait()
		})
	}

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		wg = &sync.WaitGroup{}
	})

	It("should fail on a missing directory", func() {
		_, err := udev.NewDaemonWatcher(filepath.Join(dir, "missing"), wg)
		Expect(err).To(HaveOccurred())
	})

	It("should report an existing control socket", func() {
		Expect(os.WriteFile(filepath.Join(dir, "control"), nil, 0o600)).To(Succeed())
		start()
		Expect(watcher.Status()).To(Equal(udev.DaemonStatus{Running: true, Path: filepath.Join(dir, "control")}))
	})

	It("should follow the control socket appearing and disappearing", func() {
		start()
		Expect(watcher.Status().Running).To(BeFalse())

		statuses := make(chan udev.DaemonStatus, 10)
		cancel := watcher.Subscribe(mux.SinkFromChan(statuses))
		defer cancel()
		Eventually(statuses).Should(Receive(HaveField("Running", BeFalse())))

		control := filepath.Join(dir, "control")
		Expect(os.WriteFile(control, nil, 0o600)).To(Succeed())
		Eventually(statuses).Should(Receive(HaveField("Running", BeTrue())))
		Expect(watcher.Status().Running).To(BeTrue())

		Expect(os.Remove(control)).To(Succeed())
		Eventually(statuses).Should(Receive(HaveField("Running", BeFalse())))
		Expect(watcher.Status().Running).To(BeFalse())
	})

	It("should ignore unrelated files", func() {
		start()
		statuses := make(chan udev.DaemonStatus, 10)
		cancel := watcher.Subscribe(mux.SinkFromChan(statuses))
		defer cancel()
		Eventually(statuses).Should(Receive())

		Expect(os.WriteFile(filepath.Join(dir, "queue"), nil, 0o600)).To(Succeed())
		Consistently(statuses, "100ms").ShouldNot(Receive())
	})

	It("should close subscribers on close", func() {
		start()
		statuses := make(chan udev.DaemonStatus, 10)
		watcher.Subscribe(mux.SinkFromChan(statuses))
		Eventually(statuses).Should(Receive())

		watcher.Close()
		wg.Wait()
		Eventually(statuses).Should(BeClosed())

		// after close the status is read from disk
		Expect(watcher.Status().Running).To(BeFalse())
	})
})
