// Package server carries the line-oriented command socket and the HTTP API
// listener.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"mcm_daemon/internal/dispatch"
	"mcm_daemon/internal/logger"

	"github.com/google/uuid"
)

const (
	DefaultReplyBuffer = 512
	DefaultMaxLine     = 1024
	writeTimeout       = 10 * time.Second
)

// Submitter runs a message through the daemon loop.
type Submitter interface {
	Submit(ctx context.Context, msg []byte, bufSize int) (dispatch.Result, error)
}

// CommandServer accepts TCP clients that send one command per line and
// receive one reply line per command.
type CommandServer struct {
	addr        string
	replyBuffer int
	maxLine     int
	sub         Submitter
	log         *logger.Logger

	listener net.Listener
	wg       sync.WaitGroup

	mu     sync.Mutex
	conns  map[string]net.Conn
	closed bool
}

// NewCommandServer returns a server for addr ("host:port"). Non-positive
// sizes fall back to the defaults.
func NewCommandServer(addr string, sub Submitter, replyBuffer, maxLine int, log *logger.Logger) *CommandServer {
	if replyBuffer <= 0 {
		replyBuffer = DefaultReplyBuffer
	}
	if maxLine <= 0 {
		maxLine = DefaultMaxLine
	}
	if log == nil {
		log = logger.Nop()
	}
	return &CommandServer{
		addr:        addr,
		replyBuffer: replyBuffer,
		maxLine:     maxLine,
		sub:         sub,
		log:         log,
		conns:       make(map[string]net.Conn),
	}
}

// Listen binds the socket. Failing to bind is fatal for the daemon, so it
// is split from Serve to fail before any background work starts.
func (s *CommandServer) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.log.Infow("command_server_listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *CommandServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until Close is called or ctx is cancelled.
func (s *CommandServer) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Warnw("accept_failed", "err", err)
			continue
		}
		id := uuid.NewString()
		if !s.track(id, conn) {
			_ = conn.Close()
			break
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(id)
			s.handleConn(ctx, id, conn)
		}()
	}
	s.wg.Wait()
	return nil
}

func (s *CommandServer) track(id string, conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[id] = conn
	return true
}

func (s *CommandServer) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn, ok := s.conns[id]; ok {
		_ = conn.Close()
		delete(s.conns, id)
	}
}

func (s *CommandServer) handleConn(ctx context.Context, id string, conn net.Conn) {
	log := s.log.With("conn_id", id, "remote", conn.RemoteAddr().String())
	log.Debugw("client_connected")
	defer log.Debugw("client_disconnected")

	sc := bufio.NewScanner(conn)
	sc.Buffer(nil, s.maxLine)
	for sc.Scan() {
		msg := append([]byte(nil), sc.Bytes()...)
		res, err := s.sub.Submit(ctx, msg, s.replyBuffer)
		if err != nil {
			_ = s.writeLine(conn, []byte("error: "+err.Error()))
			return
		}
		if err := s.writeLine(conn, res.Reply); err != nil {
			log.Debugw("write_failed", "err", err)
			return
		}
		switch res.Outcome {
		case dispatch.Quit, dispatch.Shutdown:
			return
		}
	}
	if err := sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			_ = s.writeLine(conn, []byte("error: line too long"))
		}
		log.Debugw("read_failed", "err", err)
	}
}

func (s *CommandServer) writeLine(conn net.Conn, reply []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	line := make([]byte, 0, len(reply)+1)
	line = append(line, reply...)
	line = append(line, '\n')
	_, err := conn.Write(line)
	return err
}

// Close stops accepting and closes every client connection.
func (s *CommandServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	return err
}
