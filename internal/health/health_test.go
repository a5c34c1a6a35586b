package health_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"

	"github.com/ydb-platform/udev-monitor/internal/health"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Server", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		wg     *sync.WaitGroup
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		wg = &sync.WaitGroup{}
		DeferCleanup(func() {
			cancel()
			wg.Wait()
		})
	})

	sharedBehavior := func(dir func() string) {
		var server *health.Server

		BeforeEach(func() {
			var err error
			server, err = health.NewServer(ctx, "udev monitor", dir(), wg)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should report unknown services as failing", func() {
			Expect(server.Probe(ctx, "observer")).To(HaveOccurred())
		})

		It("should follow the reported status", func() {
			server.SetServing("observer", true)
			Expect(server.Probe(ctx, "observer")).To(Succeed())
			Expect(server.Probe(ctx, "")).To(Succeed())

			server.SetServing("observer", false)
			Expect(server.Probe(ctx, "observer")).To(MatchError(health.ErrNotServing))
			Expect(server.Probe(ctx, "")).To(MatchError(health.ErrNotServing))
		})

		It("should only be serving overall when every service is", func() {
			server.SetServing("observer", true)
			server.SetServing("metrics", false)
			Expect(server.Probe(ctx, "")).To(MatchError(health.ErrNotServing))

			server.SetServing("metrics", true)
			Expect(server.Probe(ctx, "")).To(Succeed())
		})

		It("should answer healthz", func() {
			rec := httptest.NewRecorder()
			server.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			Expect(rec.Code).To(Equal(http.StatusOK))

			server.SetServing("observer", false)
			rec = httptest.NewRecorder()
			server.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			Expect(rec.Code).To(Equal(http.StatusInternalServerError))
			Expect(rec.Body.String()).To(ContainSubstring(`probe failed for service "observer"`))

			server.SetServing("observer", true)
			rec = httptest.NewRecorder()
			server.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			Expect(rec.Code).To(Equal(http.StatusOK))
		})
	}

	Context("in process", func() {
		sharedBehavior(func() string { return "" })
	})

	Context("over a unix socket", func() {
		var dir string

		BeforeEach(func() {
			dir = GinkgoT().TempDir()
		})

		sharedBehavior(func() string { return dir })

		It("should name the socket after the program", func() {
			server, err := health.NewServer(ctx, "My Monitor", dir, wg)
			Expect(err).NotTo(HaveOccurred())
			Expect(server.SocketPath()).To(Equal(filepath.Join(dir, "My-Monitor.sock")))
			Expect(server.SocketPath()).To(BeAnExistingFile())
		})

		It("should remove the socket once the context is done", func() {
			server, err := health.NewServer(ctx, "monitor", dir, wg)
			Expect(err).NotTo(HaveOccurred())
			cancel()
			wg.Wait()
			_, err = os.Stat(server.SocketPath())
			Expect(os.IsNotExist(err)).To(BeTrue())
		})

		It("should fail on a missing directory", func() {
			_, err := health.NewServer(ctx, "monitor", filepath.Join(dir, "missing"), wg)
			Expect(err).To(HaveOccurred())
		})
	})
})
