// Package modbus implements the per-device Modbus TCP transport: one
// connection per device, Read Holding Registers (function code 0x03)
// requests, and exponential-backoff reconnect. Grounded on
// rolfl-modbus/tcp.go (MBAP framing) and hootrhino-gomodbus's
// tcp_transporter.go (per-call deadline, keep-alive, retry counters) — both
// in the retrieval pack. Not shared across devices, per spec section 4.1.
package modbus

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"counterflow/internal/collector/model"
)

// Transport is the capability contract the device loop depends on (spec
// section 9: model services as capability contracts, not inheritance).
type Transport interface {
	ReadHolding(ctx context.Context, start, count int, timeout time.Duration) ([]uint16, error)
	Close() error
}

// Config configures one device's transport.
type Config struct {
	Host         string
	Port         int
	UnitID       int
	KeepAlive    bool
	PollInterval time.Duration // bounds the reconnect backoff ceiling, per spec section 4.1
}

// TCPTransport owns one net.Conn to one device. It is not safe for
// concurrent ReadHolding calls (the device loop never issues more than one
// inflight poll, spec section 4.5 invariant 1), but Close may be called
// concurrently with a ReadHolding in progress.
type TCPTransport struct {
	cfg Config

	mu      sync.Mutex
	conn    net.Conn
	closed  atomic.Bool
	txID    uint32
	retries int // consecutive reconnect attempts, feeds backoff
}

// NewTCPTransport constructs a transport. The connection is established
// lazily on first ReadHolding, matching the reconnect-on-next-call contract
// in spec section 4.1.
func NewTCPTransport(cfg Config) *TCPTransport {
	return &TCPTransport{cfg: cfg}
}

// ReadHolding issues a Read Holding Registers request and returns exactly
// count words, or a classified *model.Fault. Contract per spec section 4.1.
func (t *TCPTransport) ReadHolding(ctx context.Context, start, count int, timeout time.Duration) ([]uint16, error) {
	if t.closed.Load() {
		return nil, model.NewFault(model.ErrConnectionLost, fmt.Errorf("modbus: transport closed"))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		if err := t.connectLocked(ctx); err != nil {
			return nil, err
		}
	}

	words, err := t.doReadLocked(start, count, timeout)
	if err != nil && model.IsConnectionLost(err) {
		// Close so the next call reconnects, per spec section 4.1.
		t.conn.Close()
		t.conn = nil
	}
	return words, err
}

func (t *TCPTransport) connectLocked(ctx context.Context) error {
	if t.retries > 0 {
		if err := t.waitBackoff(ctx); err != nil {
			return model.NewFault(model.ErrTransportTimeout, err)
		}
	}
	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.retries++
		return model.NewFault(model.ErrConnectionLost, fmt.Errorf("modbus: dial %s: %w", addr, err))
	}
	if tc, ok := conn.(*net.TCPConn); ok && t.cfg.KeepAlive {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
		_ = tc.SetNoDelay(true)
	}
	t.conn = conn
	t.retries = 0
	return nil
}

// waitBackoff implements exponential backoff bounded by the device's
// poll_interval, per spec section 4.1.
func (t *TCPTransport) waitBackoff(ctx context.Context) error {
	const base = 200 * time.Millisecond
	cap := t.cfg.PollInterval
	if cap <= 0 {
		cap = 30 * time.Second
	}
	d := base << uint(min(t.retries, 10))
	if time.Duration(d) > cap || d <= 0 {
		d = time.Duration(cap)
	}
	timer := time.NewTimer(time.Duration(d))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *TCPTransport) doReadLocked(start, count int, timeout time.Duration) ([]uint16, error) {
	t.txID++
	txID := uint16(t.txID)

	if err := t.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, model.NewFault(model.ErrConnectionLost, err)
	}

	req := encodeReadHoldingRequest(txID, byte(t.cfg.UnitID), start, count)
	if _, err := t.conn.Write(req); err != nil {
		return nil, classifyIOError(err)
	}

	header := make([]byte, mbapHeaderLen+1)
	if _, err := readFull(t.conn, header); err != nil {
		return nil, classifyIOError(err)
	}
	total, err := decodeHeader(header)
	if err != nil {
		return nil, model.NewFault(model.ErrConnectionLost, err)
	}
	frame := make([]byte, total)
	copy(frame, header)
	if _, err := readFull(t.conn, frame[len(header):]); err != nil {
		return nil, classifyIOError(err)
	}

	resp := decodeFrame(frame)
	if resp.functionCode&exceptionBit != 0 {
		code := exceptionCode(resp.data)
		return nil, model.NewRemoteException(code, fmt.Errorf("modbus: remote exception code %d", code))
	}
	words, err := decodeReadHoldingResponse(resp.data, count)
	if err != nil {
		return nil, model.NewFault(model.ErrConnectionLost, err)
	}
	return words, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func classifyIOError(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return model.NewFault(model.ErrTransportTimeout, err)
	}
	return model.NewFault(model.ErrConnectionLost, err)
}

// Close shuts down the connection. Safe to call multiple times.
func (t *TCPTransport) Close() error {
	t.closed.Store(true)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
