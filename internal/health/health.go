// Package health reports service status over a gRPC health endpoint on a
// unix socket and over HTTP.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/kennygrant/sanitize"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"k8s.io/klog/v2"
)

var ErrNotServing = errors.New("service is not serving")

const probeTimeout = 1 * time.Second

// Server keeps the serving status of named services. When created with a
// socket directory it also serves the standard gRPC health protocol there,
// and probes go through that socket.
type Server struct {
	name       string
	socketPath string
	health     *health.Server
	mu         sync.Mutex
	services   sync.Map // service name -> struct{}
}

// NewServer creates a health server for the program called name. An empty
// dir disables the gRPC socket. The listener is torn down once ctx is done;
// `wg` lets the caller wait for that.
func NewServer(ctx context.Context, name, dir string, wg *sync.WaitGroup) (*Server, error) {
	s := &Server{
		name:   name,
		health: health.NewServer(),
	}
	// the overall status starts as not serving until a service is reported
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	if dir == "" {
		return s, nil
	}

	s.socketPath = filepath.Join(dir, sanitize.BaseName(name)+".sock")
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		klog.Errorf("%q: failed to remove socket file %q: %v", name, s.socketPath, err)
		return nil, fmt.Errorf("failed to remove socket file %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		klog.Errorf("%q: failed to listen on socket %q: %v", name, s.socketPath, err)
		return nil, fmt.Errorf("failed to listen on socket %s: %w", s.socketPath, err)
	}

	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, s.health)

	go func() {
		if err := server.Serve(listener); err != nil {
			klog.Errorf("%q: health server stopped: %v", name, err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer os.Remove(s.socketPath)
		defer server.Stop()
		klog.Infof("Serving health of %q on socket %q", name, s.socketPath)
		<-ctx.Done()
		s.health.Shutdown()
	}()

	return s, nil
}

func (s *Server) SocketPath() string {
	return s.socketPath
}

// SetServing records the status of service and derives the overall status:
// serving while every known service is serving.
func (s *Server) SetServing(service string, serving bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.services.Store(service, struct{}{})
	s.health.SetServingStatus(service, status(serving))

	overall := true
	s.services.Range(func(name, _ any) bool {
		resp, err := s.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: name.(string)})
		if err != nil || resp.Status != healthpb.HealthCheckResponse_SERVING {
			overall = false
			return false
		}
		return true
	})
	s.health.SetServingStatus("", status(overall))
}

func status(serving bool) healthpb.HealthCheckResponse_ServingStatus {
	if serving {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Probe checks service, through the gRPC socket when there is one.
func (s *Server) Probe(ctx context.Context, service string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req := &healthpb.HealthCheckRequest{Service: service}

	var (
		resp *healthpb.HealthCheckResponse
		err  error
	)
	if s.socketPath == "" {
		resp, err = s.health.Check(ctx, req)
	} else {
		resp, err = s.probeSocket(ctx, req)
	}
	if err != nil {
		return fmt.Errorf("%q: health check of %q failed: %w", s.name, service, err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%q: %q is %s: %w", s.name, service, resp.Status, ErrNotServing)
	}
	return nil
}

func (s *Server) probeSocket(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	addr := "unix://" + s.socketPath
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		klog.Errorf("%q: failed to dial %q: %v", s.name, addr, err)
		return nil, fmt.Errorf("failed to dial %q: %w", addr, err)
	}
	defer conn.Close()

	return healthpb.NewHealthClient(conn).Check(ctx, req)
}

func (s *Server) serviceNames() []string {
	var names []string
	s.services.Range(func(name, _ any) bool {
		names = append(names, name.(string))
		return true
	})
	sort.Strings(names)
	return names
}

func (s *Server) Healthz(resp http.ResponseWriter, req *http.Request) {
	unhealthy := make([]string, 0)
	for _, service := range s.serviceNames() {
		if err := s.Probe(req.Context(), service); err != nil {
			klog.Errorf("probe failed for %s: %v", service, err)
			unhealthy = append(unhealthy, service)
		} else {
			klog.V(2).Infof("probe succeeded for %s", service)
		}
	}

	if len(unhealthy) == 0 {
		resp.WriteHeader(http.StatusOK)
	} else {
		resp.WriteHeader(http.StatusInternalServerError)
		for _, name := range unhealthy {
			fmt.Fprintf(resp, "probe failed for service %q\n", name)
		}
	}
}
