package seriallink

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// MockPort implements Porter with configurable behaviour. Reads block until
// data arrives or the port closes, like a real serial port with no timeout.
// It backs package tests and the daemon's dev mode.
type MockPort struct {
	mu       sync.Mutex
	readCond *sync.Cond

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer

	readErr  error
	writeErr error
	closed   bool

	writeCalls int
}

// NewMockPort creates an open mock port with empty buffers.
func NewMockPort() *MockPort {
	p := &MockPort{}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

// MockOpener returns an Opener that always yields port. Open calls after the
// port is closed reopen it in place, which lets reconnect paths succeed.
func MockOpener(port *MockPort) Opener {
	return func(string, PortOptions) (Porter, error) {
		port.reopen()
		return port, nil
	}
}

func (p *MockPort) reopen() {
	p.mu.Lock()
	p.closed = false
	p.mu.Unlock()
}

func (p *MockPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for !p.closed && p.readErr == nil && p.readBuf.Len() == 0 {
		p.readCond.Wait()
	}
	if p.readErr != nil {
		return 0, p.readErr
	}
	if p.closed {
		return 0, io.EOF
	}
	return p.readBuf.Read(buf)
}

func (p *MockPort) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.writeCalls++
	if p.closed {
		return 0, errors.New("mock port closed")
	}
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return p.writeBuf.Write(data)
}

func (p *MockPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.readCond.Broadcast()
	return nil
}

// AddReadData appends data for subsequent Read calls and wakes blocked
// readers.
func (p *MockPort) AddReadData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf.Write(data)
	p.readCond.Broadcast()
}

// SetWriteError makes every Write fail with err until cleared with nil.
func (p *MockPort) SetWriteError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// SetReadError makes every Read fail with err until cleared with nil.
func (p *MockPort) SetReadError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = err
	p.readCond.Broadcast()
}

// Written returns a copy of everything written to the port so far.
func (p *MockPort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, p.writeBuf.Len())
	copy(out, p.writeBuf.Bytes())
	return out
}

// WriteCalls returns the number of Write attempts, including failures.
func (p *MockPort) WriteCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeCalls
}
