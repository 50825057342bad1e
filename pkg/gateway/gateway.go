// Package gateway serves a read-only HTTP view of the lock service next to
// the gRPC endpoint: node status, lock inspection and prometheus metrics.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	jsoniter "github.com/json-iterator/go"
	pb "github.com/pixperk/clusterlock/api/v1"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Server struct {
	httpServer *http.Server
	grpcAddr   string
	dialOpts   []grpc.DialOption
	logger     hclog.Logger

	mu   sync.Mutex
	conn *grpc.ClientConn
}

// the gateway talks to the gRPC endpoint at grpcAddr like any other client
func NewServer(httpAddr, grpcAddr string, logger hclog.Logger, opts ...grpc.DialOption) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{
		httpServer: &http.Server{
			Addr: httpAddr,
		},
		grpcAddr: grpcAddr,
		dialOpts: opts,
		logger:   logger.Named("gateway"),
	}
}

// builds the mux, dialing the gRPC endpoint on first use
func (s *Server) Handler() (http.Handler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer.Handler != nil {
		return s.httpServer.Handler, nil
	}

	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, s.dialOpts...)
	conn, err := grpc.NewClient(s.grpcAddr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial grpc endpoint: %w", err)
	}
	client := pb.NewLockServiceClient(conn)

	mux := runtime.NewServeMux()
	metricsHandler := promhttp.Handler()
	routes := []struct {
		method, pattern string
		handler         runtime.HandlerFunc
	}{
		{"GET", "/v1/status", s.status(client)},
		{"GET", "/v1/locks/{name}", s.inspect(client)},
		{"GET", "/healthz", s.health(client)},
		{"GET", "/metrics", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			metricsHandler.ServeHTTP(w, r)
		}},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to register %s: %w", rt.pattern, err)
		}
	}

	s.conn = conn
	s.httpServer.Handler = mux
	return mux, nil
}

func (s *Server) status(client pb.LockServiceClient) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		resp, err := client.Status(r.Context(), &pb.StatusRequest{})
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) inspect(client pb.LockServiceClient) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		resp, err := client.Inspect(r.Context(), &pb.InspectRequest{Name: params["name"]})
		if err != nil {
			s.writeError(w, err)
			return
		}
		if !resp.Found {
			//a free lock is not an error, but there is nothing to show
			s.writeJSON(w, http.StatusNotFound, resp)
			return
		}
		s.writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) health(client pb.LockServiceClient) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		if _, err := client.Status(r.Context(), &pb.StatusRequest{}); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	s.writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{
		Error: st.Message(),
		Code:  st.Code().String(),
	})
}

func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(lis)
}

func (s *Server) Serve(lis net.Listener) error {
	if _, err := s.Handler(); err != nil {
		lis.Close()
		return err
	}
	s.logger.Info("http gateway listening", "addr", lis.Addr().String())

	if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP gateway: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	var result *multierror.Error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		s.conn = nil
	}
	return result.ErrorOrNil()
}
