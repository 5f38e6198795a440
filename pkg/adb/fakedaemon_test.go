package adb

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
)

// fakeDaemon is an in-process adb server. handle is called for every request read from
// a connection and returns false to close that connection.
type fakeDaemon struct {
	ln     net.Listener
	handle func(c *fakeConn, req string) bool

	mu       sync.Mutex
	requests []string
	wg       sync.WaitGroup
}

type fakeConn struct {
	net.Conn
}

func (c *fakeConn) okay()           { io.WriteString(c, "OKAY") }
func (c *fakeConn) fail(msg string) { io.WriteString(c, "FAIL"); c.body(msg) }
func (c *fakeConn) body(s string)   { io.WriteString(c, fmt.Sprintf("%04x%s", len(s), s)) }
func (c *fakeConn) raw(s string)    { io.WriteString(c, s) }

func startFakeDaemon(t *testing.T, handle func(c *fakeConn, req string) bool) (*fakeDaemon, func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	d := &fakeDaemon{ln: ln, handle: handle}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.serve(&fakeConn{Conn: nc})
			}()
		}
	}()

	cleanup := func() {
		ln.Close()
		d.wg.Wait()
	}
	return d, cleanup
}

func (d *fakeDaemon) serve(c *fakeConn) {
	defer c.Close()
	for {
		req, err := readFakeRequest(c)
		if err != nil {
			return
		}
		d.mu.Lock()
		d.requests = append(d.requests, req)
		d.mu.Unlock()
		if !d.handle(c, req) {
			return
		}
	}
}

func (d *fakeDaemon) addr() string { return d.ln.Addr().String() }

func (d *fakeDaemon) seen() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.requests...)
}

func (d *fakeDaemon) count(req string) int {
	n := 0
	for _, r := range d.seen() {
		if r == req {
			n++
		}
	}
	return n
}

func readFakeRequest(r io.Reader) (string, error) {
	head := make([]byte, 4)
	if _, err := io.ReadFull(r, head); err != nil {
		return "", err
	}
	n, err := strconv.ParseUint(string(head), 16, 16)
	if err != nil {
		return "", err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return "", err
	}
	return string(payload), nil
}
