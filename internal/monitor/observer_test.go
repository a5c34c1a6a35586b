package monitor_test

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ydb-platform/udev-monitor/internal/monitor"
	"github.com/ydb-platform/udev-monitor/internal/uevent"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type recorder struct {
	mu   sync.Mutex
	devs []*uevent.Device
}

func (r *recorder) record(dev *uevent.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devs = append(r.devs, dev)
}

func (r *recorder) seqnums() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return seqnums(r.devs)
}

var _ = Describe("Observer", func() {
	var (
		m        *monitor.Monitor
		injector *uevent.Injector
		rec      *recorder
	)

	BeforeEach(func() {
		m, injector = loopback(uevent.SourceUdev)
		rec = &recorder{}
	})

	Context("creation", func() {
		It("should require a callback", func() {
			_, err := monitor.NewObserver(m, nil)
			Expect(err).To(MatchError(monitor.ErrInvalidArgument))
		})

		It("should require a monitor", func() {
			_, err := monitor.NewObserver(nil, rec.record)
			Expect(err).To(MatchError(monitor.ErrInvalidArgument))
		})

		It("should start in the created state", func() {
			obs, err := monitor.NewObserver(m, rec.record, monitor.WithName("test-observer"))
			Expect(err).NotTo(HaveOccurred())
			defer obs.Stop()

			Expect(obs.Name()).To(Equal("test-observer"))
			Expect(obs.State()).To(Equal(monitor.Created))
			Expect(obs.Done()).NotTo(BeClosed())
			Expect(m.Started()).To(BeFalse())
		})
	})

	Context("delivery", func() {
		It("should invoke the callback for every event in order", func() {
			obs, err := monitor.NewObserver(m, rec.record)
			Expect(err).NotTo(HaveOccurred())
			obs.Start()

			Eventually(m.Started).Should(BeTrue())
			Eventually(obs.State).Should(Equal(monitor.Running))

			for i := uint64(1); i <= 3; i++ {
				Expect(injector.Send(device(i, "block"))).To(Succeed())
			}

			Eventually(rec.seqnums).Should(Equal([]uint64{1, 2, 3}))
			Expect(obs.Stop()).To(Succeed())
			Expect(rec.seqnums()).To(Equal([]uint64{1, 2, 3}))
			Expect(obs.State()).To(Equal(monitor.Stopped))
		})

		It("should only deliver a prefix when stop races with delivery", func() {
			obs, err := monitor.NewObserver(m, rec.record)
			Expect(err).NotTo(HaveOccurred())
			obs.Start()

			for i := uint64(1); i <= 50; i++ {
				Expect(injector.Send(device(i, "block"))).To(Succeed())
			}
			Expect(obs.Stop()).To(Succeed())

			got := rec.seqnums()
			Expect(len(got)).To(BeNumerically("<=", 50))
			for i, seqnum := range got {
				Expect(seqnum).To(BeEquivalentTo(i + 1))
			}
		})

		It("should only deliver events passing the monitor filter", func() {
			Expect(m.FilterBySubsystem("input", "")).To(Succeed())
			obs, err := monitor.NewObserver(m, rec.record)
			Expect(err).NotTo(HaveOccurred())
			obs.Start()
			defer obs.Stop()

			Expect(injector.Send(device(1, "input"))).To(Succeed())
			Expect(injector.Send(device(2, "block"))).To(Succeed())
			Expect(injector.Send(device(3, "input"))).To(Succeed())

			Eventually(rec.seqnums).Should(Equal([]uint64{1, 3}))
			Consistently(rec.seqnums, 100*time.Millisecond).Should(Equal([]uint64{1, 3}))
		})
	})

	Context("stop", func() {
		It("should not invoke the callback after stop returns", func() {
			obs, err := monitor.NewObserver(m, rec.record)
			Expect(err).NotTo(HaveOccurred())
			obs.Start()

			Expect(injector.Send(device(1, "block"))).To(Succeed())
			Eventually(rec.seqnums).Should(Equal([]uint64{1}))

			Expect(obs.Stop()).To(Succeed())
			Expect(obs.Done()).To(BeClosed())

			Expect(injector.Send(device(2, "block"))).To(Succeed())
			Consistently(rec.seqnums, 200*time.Millisecond).Should(Equal([]uint64{1}))
		})

		It("should not deadlock when stopped from the callback", func() {
			var obs *monitor.Observer
			stopped := make(chan error, 1)
			callback := func(dev *uevent.Device) {
				rec.record(dev)
				stopped <- obs.Stop()
			}

			var err error
			obs, err = monitor.NewObserver(m, callback)
			Expect(err).NotTo(HaveOccurred())
			obs.Start()

			Expect(injector.Send(device(1, "block"))).To(Succeed())

			Eventually(stopped).Should(Receive(BeNil()))
			Eventually(obs.Done()).Should(BeClosed())
			Expect(obs.Err()).NotTo(HaveOccurred())
			Expect(obs.State()).To(Equal(monitor.Stopped))

			Expect(injector.Send(device(2, "block"))).To(Succeed())
			Consistently(rec.seqnums, 100*time.Millisecond).Should(Equal([]uint64{1}))
		})

		It("should exit promptly when stopped right after start", func() {
			obs, err := monitor.NewObserver(m, rec.record)
			Expect(err).NotTo(HaveOccurred())
			obs.Start()

			done := make(chan error, 1)
			go func() {
				done <- obs.Stop()
			}()

			Eventually(done, time.Second).Should(Receive(BeNil()))
			Expect(obs.Done()).To(BeClosed())
			Expect(rec.seqnums()).To(BeEmpty())
		})

		It("should never run once stopped before start", func() {
			obs, err := monitor.NewObserver(m, rec.record)
			Expect(err).NotTo(HaveOccurred())

			Expect(injector.Send(device(1, "block"))).To(Succeed())
			Expect(obs.Stop()).To(Succeed())
			Expect(obs.State()).To(Equal(monitor.Stopped))
			Expect(obs.Done()).To(BeClosed())

			obs.Start()
			Consistently(rec.seqnums, 100*time.Millisecond).Should(BeEmpty())
			Expect(m.Started()).To(BeFalse())
		})

		It("should honor a stop sent before start over queued events", func() {
			obs, err := monitor.NewObserver(m, rec.record)
			Expect(err).NotTo(HaveOccurred())

			Expect(injector.Send(device(1, "block"))).To(Succeed())
			obs.SendStop()
			Expect(obs.State()).To(Equal(monitor.Stopping))

			obs.Start()
			Eventually(obs.Done()).Should(BeClosed())
			Expect(obs.Err()).NotTo(HaveOccurred())
			Expect(rec.seqnums()).To(BeEmpty())
		})

		It("should write a single stop byte however often it is sent", func() {
			obs, err := monitor.NewObserver(m, rec.record)
			Expect(err).NotTo(HaveOccurred())

			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					obs.SendStop()
				}()
			}
			wg.Wait()
			Expect(obs.SendStop).NotTo(Panic())

			buf := make([]byte, 16)
			n, err := unix.Read(obs.StopSignalFd(), buf)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))

			// write end is closed, so the pipe is at EOF
			n, err = unix.Read(obs.StopSignalFd(), buf)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())

			Expect(obs.Stop()).To(Succeed())
		})

		It("should allow stop to be called repeatedly", func() {
			obs, err := monitor.NewObserver(m, rec.record)
			Expect(err).NotTo(HaveOccurred())
			obs.Start()

			Expect(obs.Stop()).To(Succeed())
			Expect(obs.Stop()).To(Succeed())
			obs.SendStop()
		})

		It("should leave the monitor open", func() {
			obs, err := monitor.NewObserver(m, rec.record)
			Expect(err).NotTo(HaveOccurred())
			obs.Start()
			Expect(obs.Stop()).To(Succeed())

			Expect(injector.Send(device(9, "block"))).To(Succeed())
			dev, err := m.Poll(time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(dev.SeqNum).To(BeEquivalentTo(9))
		})
	})

	Context("failure", func() {
		It("should terminate with a receive error on malformed events", func() {
			obs, err := monitor.NewObserver(m, rec.record)
			Expect(err).NotTo(HaveOccurred())
			obs.Start()

			Expect(injector.Send(device(1, "block"))).To(Succeed())
			Expect(injector.SendRaw([]byte("garbage"))).To(Succeed())
			Expect(injector.Send(device(2, "block"))).To(Succeed())

			Eventually(obs.Done()).Should(BeClosed())
			Expect(obs.Err()).To(MatchError(monitor.ErrReceive))
			Expect(obs.State()).To(Equal(monitor.Stopped))
			Expect(rec.seqnums()).To(Equal([]uint64{1}))

			Expect(obs.Stop()).To(MatchError(monitor.ErrReceive))
		})
	})
})
