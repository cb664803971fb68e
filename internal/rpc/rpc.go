// Package rpc implements the coordinator's callback server: a single
// Unix-datagram socket that lets wrapper binaries invoked from the
// generated makefile call back into the coordinator process to log
// task boundaries, report failures, and run registered callables.
//
// Grounded on sourcery/rpc.py. The wire protocol (ASCII-decimal
// datagrams, message 0 = stop, reply "0"/"1") is kept exactly as
// specified, since wrapper binaries built as separate executables
// depend on it; the per-request dispatch is reimplemented on a
// goroutine pool (golang.org/x/sync/semaphore + sync.WaitGroup) instead of
// os.fork, since Go programs cannot safely fork without exec once the
// runtime has started other goroutines.
package rpc

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/sourcerytools/sbgo"
	"golang.org/x/sync/semaphore"
)

func serverSocket(tempdir string) string {
	return filepath.Join(tempdir, "server")
}

// SendMessage sends req_no to the server listening in tempdir and, for
// a non-zero req_no, blocks for its integer reply. Message 0 means
// "stop the server" and returns 0 without waiting for a reply.
func SendMessage(tempdir string, reqNo int) (int, error) {
	serverAddr := &net.UnixAddr{Name: serverSocket(tempdir), Net: "unixgram"}
	clientPath := filepath.Join(tempdir, strconv.Itoa(reqNo))
	clientAddr := &net.UnixAddr{Name: clientPath, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", clientAddr)
	if err != nil {
		return 0, sbgo.NewRPCError("binding client socket %s", clientPath).WithErr(err)
	}
	defer conn.Close()
	defer os.Remove(clientPath)

	if _, err := conn.WriteToUnix([]byte(strconv.Itoa(reqNo)), serverAddr); err != nil {
		return 0, sbgo.NewRPCError("sending request %d", reqNo).WithErr(err)
	}
	if reqNo == 0 {
		return 0, nil
	}
	buf := make([]byte, 64)
	n, _, err := conn.ReadFromUnix(buf)
	if err != nil {
		return 0, sbgo.NewRPCError("reading reply to request %d", reqNo).WithErr(err)
	}
	reply, err := strconv.Atoi(string(bytes.TrimSpace(buf[:n])))
	if err != nil {
		return 0, sbgo.NewRPCError("malformed reply to request %d", reqNo).WithErr(err)
	}
	return reply, nil
}

// call is a registered callback: calling it runs Func(Args...), and on
// a panic or error return, appends a failure record to the file at
// Log. Forking selects whether concurrent requests for this call run
// concurrently with each other and the server (Forking, matching the
// source's os.fork) or are serialized against all other server state
// (non-forking, used for coordinator state like ordered log output).
type call struct {
	Func    func(args []interface{}) error
	Args    []interface{}
	Log     string
	Forking bool
}

// Server is the Go analog of sourcery.rpc.RPCServer: a registry of
// calls plus a running Unix-datagram listener dispatching requests to
// them.
type Server struct {
	ctx     *sbgo.Ctx
	tempdir string

	mu    sync.Mutex
	calls []call

	sem      *semaphore.Weighted
	conn     *net.UnixConn
	stopped  chan struct{}
	serveErr error
	wg       sync.WaitGroup

	// nonForkingMu serializes handling of every non-forking call
	// against every other non-forking call and against the server's
	// own bookkeeping, matching the source's single-threaded
	// in-process handling of such requests.
	nonForkingMu sync.Mutex
}

// NewServer returns a Server that will listen in tempdir (which must
// already exist) once started, running up to maxConcurrent forking
// calls at once.
func NewServer(ctx *sbgo.Ctx, tempdir string, maxConcurrent int64) *Server {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Server{
		ctx:     ctx,
		tempdir: tempdir,
		sem:     semaphore.NewWeighted(maxConcurrent),
		stopped: make(chan struct{}),
	}
}

// AddCall registers a callable this server will accept, returning its
// 1-indexed message id.
func (s *Server) AddCall(fn func(args []interface{}) error, args []interface{}, log string, forking bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{Func: fn, Args: args, Log: log, Forking: forking})
	return len(s.calls)
}

// Start begins serving in a background goroutine, returning only once
// the socket is open and ready to accept requests (the Go analog of
// the source's readiness pipe, since there is no separate process here
// to synchronize with).
func (s *Server) Start() error {
	addr := &net.UnixAddr{Name: serverSocket(s.tempdir), Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return sbgo.NewRPCError("listening on %s", addr.Name).WithErr(err)
	}
	s.conn = conn

	ready := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		close(ready)
		s.serve()
	}()
	<-ready
	return nil
}

func (s *Server) serve() {
	buf := make([]byte, 64)
	for {
		n, addr, err := s.conn.ReadFromUnix(buf)
		if err != nil {
			select {
			case <-s.stopped:
				return
			default:
				s.serveErr = err
				return
			}
		}
		reqNo, err := strconv.Atoi(string(bytes.TrimSpace(buf[:n])))
		if err != nil {
			continue
		}
		if reqNo == 0 {
			close(s.stopped)
			return
		}
		s.handle(reqNo, addr)
	}
}

func (s *Server) handle(reqNo int, clientAddr *net.UnixAddr) {
	s.mu.Lock()
	idx := reqNo - 1
	if idx < 0 || idx >= len(s.calls) {
		s.mu.Unlock()
		return
	}
	c := s.calls[idx]
	s.mu.Unlock()

	reply := func(status int) {
		if clientAddr == nil {
			return
		}
		s.conn.WriteToUnix([]byte(strconv.Itoa(status)), clientAddr)
	}

	run := func() {
		status := 0
		if err := runCall(c); err != nil {
			status = 1
			writeExcToLog(c.Log, err)
		}
		reply(status)
	}

	if !c.Forking {
		s.nonForkingMu.Lock()
		run()
		s.nonForkingMu.Unlock()
		return
	}

	if err := s.sem.Acquire(context.Background(), 1); err != nil {
		run()
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		run()
	}()
}

func runCall(c call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in registered call: %v", r)
		}
	}()
	return c.Func(c.Args)
}

func writeExcToLog(name string, err error) {
	if name == "" {
		return
	}
	f, openErr := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if openErr != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%v\n", err)
}

// Stop sends the stop message and waits for the server to finish
// serving in-flight requests.
func (s *Server) Stop() error {
	if _, err := SendMessage(s.tempdir, 0); err != nil {
		return err
	}
	s.wg.Wait()
	s.conn.Close()
	if s.serveErr != nil {
		return sbgo.NewRPCError("rpc server").WithErr(s.serveErr)
	}
	return nil
}
