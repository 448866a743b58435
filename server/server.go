// Package server implements the RPC server that hosts the inference services:
// service registration, a middleware chain, parallel request processing and
// graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → Codec.Decode → Middleware Chain → businessHandler (reflect.Call) → Codec.Encode → write response
//
// A failed call is answered with the grpc status code of the method's error
// in RPCMessage.Code, so clients can tell a missing model from a broken server.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"serving-rpc/codec"
	"serving-rpc/message"
	"serving-rpc/middleware"
	"serving-rpc/protocol"
	"serving-rpc/registry"
)

// DefaultRegistrationTTL is the lease, in seconds, of a registry entry. The
// lease is renewed for as long as the server runs.
const DefaultRegistrationTTL = 10

var ErrServerClosed = errors.New("server: closed")

// Server registers services and serves requests for them.
type Server struct {
	logger      *zap.Logger
	serviceMap  map[string]*service
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(businessHandler)))

	mu            sync.Mutex
	listener      net.Listener
	conns         map[net.Conn]struct{}
	registry      registry.Registry
	advertiseAddr string

	wg       sync.WaitGroup // in-flight requests
	shutdown atomic.Bool
}

// NewServer creates a server with no services. A nil logger disables logging.
func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		logger:     logger,
		serviceMap: make(map[string]*service),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Register exposes the exported methods of rcvr that have the shape
// func(*Args, *Reply) error, under the name of rcvr's type. It must be called
// before Serve.
func (svr *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	if _, dup := svr.serviceMap[svc.name]; dup {
		return fmt.Errorf("server: service %s already registered", svc.name)
	}
	svr.serviceMap[svc.name] = svc
	return nil
}

// Use appends a middleware. Middlewares run in the order they were added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on address and serves until Shutdown. See ServeListener.
func (svr *Server) Serve(network, address, advertiseAddr string, reg registry.Registry) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(l, advertiseAddr, reg)
}

// ServeListener serves connections accepted from l until Shutdown.
//
// When reg is non-nil every service is registered under advertiseAddr, the
// address clients should dial. It differs from the listen address because
// ":8080" is not routable from another host.
func (svr *Server) ServeListener(l net.Listener, advertiseAddr string, reg registry.Registry) error {
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)

	svr.mu.Lock()
	svr.listener = l
	svr.registry = reg
	svr.advertiseAddr = advertiseAddr
	svr.mu.Unlock()

	if svr.shutdown.Load() {
		l.Close()
		return ErrServerClosed
	}

	if reg != nil {
		for serviceName := range svr.serviceMap {
			err := reg.Register(context.Background(), serviceName, registry.ServiceInstance{Addr: advertiseAddr}, DefaultRegistrationTTL)
			if err != nil {
				l.Close()
				return fmt.Errorf("server: register %s: %w", serviceName, err)
			}
		}
	}
	svr.logger.Info("serving", zap.Stringer("addr", l.Addr()), zap.String("advertise", advertiseAddr))

	for {
		conn, err := l.Accept()
		if err != nil {
			// Closing the listener in Shutdown unblocks Accept.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		if !svr.track(conn) {
			conn.Close()
			return nil
		}
		go svr.handleConn(conn)
	}
}

// Addr returns the listener's address, or nil before serving starts.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

func (svr *Server) track(conn net.Conn) bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.conns[conn] = struct{}{}
	return true
}

func (svr *Server) untrack(conn net.Conn) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	delete(svr.conns, conn)
}

// handleConn reads frames off conn in a single goroutine, since frame
// boundaries can only be parsed sequentially, and dispatches each request to
// its own goroutine. The write mutex keeps concurrent responses from
// interleaving on the wire.
func (svr *Server) handleConn(conn net.Conn) {
	defer svr.untrack(conn)
	defer conn.Close()

	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			svr.logger.Debug("connection closed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
			return
		}
		if header.MsgType != protocol.MsgTypeRequest {
			continue
		}

		svr.wg.Add(1)
		go func() {
			defer svr.wg.Done()
			svr.handleRequest(header, body, conn, writeMu)
		}()
	}
}

// handleRequest decodes one request, runs it through the middleware chain
// and writes the response with the request's sequence number.
func (svr *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	c := codec.GetCodec(codec.CodecType(header.CodecType))

	var resp *message.RPCMessage
	req := &message.RPCMessage{}
	if err := c.Decode(body, req); err != nil {
		resp = message.ErrorReply("", status.Errorf(codes.InvalidArgument, "server: decode request: %v", err))
	} else {
		resp = svr.handler(context.Background(), req)
	}

	result, err := c.Encode(resp)
	if err != nil {
		svr.logger.Error("cannot encode response", zap.String("method", req.ServiceMethod), zap.Error(err))
		return
	}
	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
		BodyLen:   uint32(len(result)),
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &replyHeader, result); err != nil {
		svr.logger.Debug("cannot write response", zap.String("method", req.ServiceMethod), zap.Error(err))
	}
}

// Shutdown stops the server:
//  1. deregister every service, so clients stop routing here
//  2. close the listener
//  3. wait up to timeout for in-flight requests
//  4. close every open connection
//
// Clients see their streams break and treat the server as gone.
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.Lock()
	reg, advertiseAddr, l := svr.registry, svr.advertiseAddr, svr.listener
	svr.mu.Unlock()

	var errs []error
	if reg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		for serviceName := range svr.serviceMap {
			if err := reg.Deregister(ctx, serviceName, advertiseAddr); err != nil {
				errs = append(errs, fmt.Errorf("server: deregister %s: %w", serviceName, err))
			}
		}
		cancel()
	}

	// The flag must be set before the listener closes so Serve reports a
	// clean exit.
	svr.shutdown.Store(true)
	if l != nil {
		l.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		errs = append(errs, errors.New("server: timeout waiting for in-flight requests"))
	}

	svr.mu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	svr.mu.Unlock()
	return errors.Join(errs...)
}

// businessHandler dispatches a request to the registered method. It is the
// innermost handler of the middleware chain.
//
// Flow: parse "Service.Method" → find service → find method → reflect.New(args) →
// json.Unmarshal(payload, args) → reflect.Call → json.Marshal(reply) → return RPCMessage
func (svr *Server) businessHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	serviceName, methodName, ok := strings.Cut(req.ServiceMethod, ".")
	if !ok || strings.Contains(methodName, ".") {
		return message.ErrorReply(req.ServiceMethod,
			status.Errorf(codes.InvalidArgument, "server: malformed service method %q", req.ServiceMethod))
	}

	svc, ok := svr.serviceMap[serviceName]
	if !ok {
		return message.ErrorReply(req.ServiceMethod, status.Errorf(codes.Unimplemented, "server: unknown service %s", serviceName))
	}
	method, ok := svc.method[methodName]
	if !ok {
		return message.ErrorReply(req.ServiceMethod, status.Errorf(codes.Unimplemented, "server: unknown method %s", req.ServiceMethod))
	}

	argv, replyv := method.newArgs(), method.newReply()
	if err := json.Unmarshal(req.Payload, argv.Interface()); err != nil {
		return message.ErrorReply(req.ServiceMethod, status.Errorf(codes.InvalidArgument, "server: decode %s args: %v", req.ServiceMethod, err))
	}

	if err := svc.call(method, argv, replyv); err != nil {
		return message.ErrorReply(req.ServiceMethod, err)
	}

	payload, err := json.Marshal(replyv.Interface())
	if err != nil {
		return message.ErrorReply(req.ServiceMethod, status.Errorf(codes.Internal, "server: encode %s reply: %v", req.ServiceMethod, err))
	}
	return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Payload: payload}
}
