//go:build !linux

package memcache

import (
	"errors"
	"net"
	"time"
)

// The reactor is built on epoll; other platforms fail at Serve.

var errUnsupported = errors.New("memcache adapter requires linux (epoll)")

const (
	evRead  = 1 << 0
	evWrite = 1 << 2
)

type poller struct{}

func newPoller(int) (*poller, error) { return nil, errUnsupported }

func (*poller) add(int, uint32) error    { return errUnsupported }
func (*poller) modify(int, uint32) error { return errUnsupported }
func (*poller) remove(int) error         { return errUnsupported }
func (*poller) wake() error              { return errUnsupported }
func (*poller) close() error             { return nil }

func (*poller) wait(time.Duration) ([]event, bool, error) { return nil, false, errUnsupported }

func detach(nc net.Conn) (int, error) {
	_ = nc.Close()
	return -1, errUnsupported
}

func readFD(int, []byte) (int, error)  { return 0, errUnsupported }
func writeFD(int, []byte) (int, error) { return 0, errUnsupported }
func closeFD(int) error                { return errUnsupported }
