// Package relay forwards raw debugger connections to a target endpoint.
// Only the Host header of the client's initial HTTP handshake is rewritten;
// every other byte in either direction passes through untouched.
package relay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/cdpmux/pkg/observability"
)

const (
	// maxHeaderBytes caps how much of the initial handshake is buffered for
	// rewriting before the stream falls back to opaque forwarding.
	maxHeaderBytes = 64 << 10

	// DefaultDialTimeout bounds the upstream connection attempt per pair.
	DefaultDialTimeout = 10 * time.Second
)

// Config holds relay settings.
type Config struct {
	// Listen is the local address to accept debugger clients on.
	Listen string
	// Target is the endpoint connections are forwarded to, host:port.
	Target string
	// MaxConns limits concurrent pairs. Zero or negative means unlimited.
	MaxConns int
	// DialTimeout bounds each upstream dial.
	DialTimeout time.Duration
	// Logger receives relay lifecycle events.
	Logger *observability.Logger
}

// Relay accepts TCP connections and pipes each to the target.
type Relay struct {
	cfg     Config
	log     *observability.Logger
	limiter *connLimiter

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool

	pairs sync.WaitGroup
}

// New creates a relay for the given configuration.
func New(cfg Config) *Relay {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger("relay", observability.DefaultLevel)
	}
	return &Relay{
		cfg:     cfg,
		log:     cfg.Logger,
		limiter: newConnLimiter(cfg.MaxConns),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds the local address. Addr reports the bound address afterwards,
// which is useful when Listen is configured with port 0.
func (r *Relay) Listen() error {
	ln, err := net.Listen("tcp", r.cfg.Listen)
	if err != nil {
		return fmt.Errorf("relay listen on %s: %w", r.cfg.Listen, err)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		ln.Close()
		return errors.New("relay closed")
	}
	r.ln = ln
	r.mu.Unlock()
	return nil
}

// Addr returns the bound listener address, or nil before Listen.
func (r *Relay) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

// Serve accepts connections until ctx is cancelled or Close is called.
// It drains active pairs before returning.
func (r *Relay) Serve(ctx context.Context) error {
	r.mu.Lock()
	ln := r.ln
	r.mu.Unlock()
	if ln == nil {
		return errors.New("relay: Serve called before Listen")
	}

	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.Close()
		case <-watchDone:
		}
	}()
	defer close(watchDone)
	defer r.pairs.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if r.isClosed() || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("relay accept: %w", err)
		}
		if !r.limiter.Acquire() {
			r.log.Warn("relay connection limit reached", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}
		r.pairs.Add(1)
		go func() {
			defer r.pairs.Done()
			defer r.limiter.Release()
			r.handle(ctx, conn)
		}()
	}
}

// ListenAndServe binds and serves in one call.
func (r *Relay) ListenAndServe(ctx context.Context) error {
	if err := r.Listen(); err != nil {
		return err
	}
	return r.Serve(ctx)
}

// Close stops the listener and severs all active pairs.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.ln != nil {
		r.ln.Close()
	}
	for conn := range r.conns {
		conn.Close()
	}
	return nil
}

func (r *Relay) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Relay) track(conns ...net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range conns {
		r.conns[c] = struct{}{}
	}
}

func (r *Relay) untrack(conns ...net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range conns {
		delete(r.conns, c)
	}
}

func (r *Relay) handle(ctx context.Context, client net.Conn) {
	defer client.Close()

	remote := client.RemoteAddr().String()

	dialer := &net.Dialer{Timeout: r.cfg.DialTimeout}
	server, err := dialer.DialContext(ctx, "tcp", r.cfg.Target)
	if err != nil {
		r.log.Warn("relay dial failed", "target", r.cfg.Target, "error", err)
		return
	}
	defer server.Close()

	r.track(client, server)
	defer r.untrack(client, server)

	observability.RelayPairsTotal.Inc()
	observability.RelayActivePairs.Inc()
	defer observability.RelayActivePairs.Dec()
	r.log.RelayPairOpened(remote, r.cfg.Target)

	br := bufio.NewReaderSize(client, maxHeaderBytes)
	head, err := rewriteHandshake(br, r.cfg.Target)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			r.log.Warn("relay handshake read failed", "remote", remote, "error", err)
		}
		return
	}
	if len(head) > 0 {
		if _, err := server.Write(head); err != nil {
			r.log.Warn("relay handshake write failed", "target", r.cfg.Target, "error", err)
			return
		}
	}

	var sent, received atomic.Int64
	sent.Store(int64(len(head)))

	g := new(errgroup.Group)
	g.Go(func() error {
		n, err := io.Copy(server, br)
		sent.Add(n)
		observability.RelayBytes.WithLabelValues("upstream").Add(float64(n))
		closeWrite(server)
		return err
	})
	g.Go(func() error {
		n, err := io.Copy(client, server)
		received.Add(n)
		observability.RelayBytes.WithLabelValues("downstream").Add(float64(n))
		closeWrite(client)
		return err
	})
	_ = g.Wait()

	r.log.RelayPairClosed(remote, sent.Load(), received.Load())
}

// closeWrite half-closes so the peer sees EOF while its own writes drain.
func closeWrite(c net.Conn) {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
		return
	}
	_ = c.Close()
}

// rewriteHandshake consumes the client's initial HTTP request head from br
// and returns it with the Host header pointed at target. Traffic that does
// not look like an HTTP request comes back unmodified so opaque protocols
// pass through. Bytes remaining in br belong to the stream body.
func rewriteHandshake(br *bufio.Reader, target string) ([]byte, error) {
	first, err := br.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) || (errors.Is(err, io.EOF) && len(first) > 0) {
			return append([]byte(nil), first...), nil
		}
		return nil, err
	}
	if !isHTTPRequestLine(first) {
		return append([]byte(nil), first...), nil
	}

	head := append([]byte(nil), first...)
	rewrote := false
	for {
		line, err := br.ReadSlice('\n')
		if len(line) > 0 {
			switch {
			case !rewrote && isHostLine(line):
				head = append(head, "Host: "...)
				head = append(head, target...)
				head = append(head, "\r\n"...)
				rewrote = true
			default:
				head = append(head, line...)
			}
			if isBlankLine(line) {
				return head, nil
			}
		}
		if err != nil {
			// Header block cut short or oversized; forward as-is.
			return head, nil
		}
		if len(head) > maxHeaderBytes {
			return head, nil
		}
	}
}

// isHTTPRequestLine recognizes "METHOD /path HTTP/1.x".
func isHTTPRequestLine(line []byte) bool {
	fields := bytes.Fields(line)
	return len(fields) == 3 && bytes.HasPrefix(fields[2], []byte("HTTP/"))
}

func isHostLine(line []byte) bool {
	trimmed := bytes.TrimLeft(line, " \t")
	if len(trimmed) < 5 {
		return false
	}
	return bytes.EqualFold(trimmed[:5], []byte("Host:"))
}

func isBlankLine(line []byte) bool {
	trimmed := bytes.TrimRight(line, "\r\n")
	return len(trimmed) == 0
}
