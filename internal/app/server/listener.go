package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	socketMode = 0o660
	readyFD    = 3
)

// Listener is the filter socket at its well-known path.
type Listener struct {
	net.Listener
	path string

	closeOnce sync.Once
	closeErr  error
}

// Listen binds a unix socket next to path under a dot-prefixed name and
// renames it into place, so courierfilter never sees a half set up socket.
func Listen(path string) (*Listener, error) {
	dir, name := filepath.Split(path)
	tmpPath := filepath.Join(dir, "."+name)

	if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("server: remove stale socket %s: %w", tmpPath, err)
	}

	ln, err := net.Listen("unix", tmpPath)
	if err != nil {
		return nil, fmt.Errorf("server: bind %s: %w", tmpPath, err)
	}
	if ul, ok := ln.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(false)
	}

	if err := os.Chmod(tmpPath, socketMode); err != nil {
		_ = ln.Close()
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("server: chmod %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = ln.Close()
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("server: move socket to %s: %w", path, err)
	}

	return &Listener{Listener: ln, path: path}, nil
}

func (l *Listener) Path() string {
	return l.path
}

// Close stops listening and unlinks the socket path. Concurrent and repeated
// calls return once the first one has finished.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		closeErr := l.Listener.Close()
		if errors.Is(closeErr, net.ErrClosed) {
			closeErr = nil
		}

		removeErr := os.Remove(l.path)
		if errors.Is(removeErr, os.ErrNotExist) {
			removeErr = nil
		}
		l.closeErr = errors.Join(closeErr, removeErr)
	})
	return l.closeErr
}

// StartedByCourierfilter reports whether the readiness pipe is present.
func StartedByCourierfilter() bool {
	return isFIFO(readyFD)
}

// SignalReady closes the readiness pipe courierfilter hands over as fd 3. It
// does nothing when fd 3 is not a pipe.
func SignalReady() error {
	if !isFIFO(readyFD) {
		return nil
	}
	return unix.Close(readyFD)
}

func isFIFO(fd int) bool {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return false
	}
	return st.Mode&unix.S_IFMT == unix.S_IFIFO
}

// WatchStdin blocks until r reaches EOF or fails, then calls cancel.
// courierfilter closes the filter's stdin to ask it to shut down.
func WatchStdin(r io.Reader, cancel context.CancelFunc) {
	_, _ = io.Copy(io.Discard, r)
	cancel()
}
