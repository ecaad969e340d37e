// Package transport moves files to a remote host. It defines one
// capability set implemented by an FTP and an SFTP variant.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/schaermu/filesync/internal/repository"
)

// ErrUnknownProtocol is returned when a repository's protocol has no
// transport.
var ErrUnknownProtocol = errors.New("unknown protocol")

// Endpoint describes where and as whom to connect.
type Endpoint struct {
	Server   string
	User     string
	Password string
	HomeDir  string
}

// Transport opens sessions against a remote host.
type Transport interface {
	// Connect dials and authenticates. Failures are *ConnectError.
	Connect(ctx context.Context, ep Endpoint) (Session, error)
}

// Session is an authenticated connection. Methods other than Close return
// *TransferError on failure.
type Session interface {
	// EnsureDir creates a remote directory. An existing directory is not an
	// error.
	EnsureDir(path string) error
	// ChangeDir changes the session's working directory.
	ChangeDir(path string) error
	// Upload writes the whole content of r to remotePath, replacing any
	// existing file.
	Upload(r io.Reader, remotePath string) error
	// Deliver places relPath under home: it ensures every parent directory,
	// uploads r and applies any protocol-specific post-upload step. The
	// session is back at home afterwards.
	Deliver(home, relPath string, r io.Reader) error
	Close() error
}

// PermissionSetter is implemented by sessions that can set file modes.
type PermissionSetter interface {
	SetPermissions(remotePath string, mode fs.FileMode) error
}

// ConnectError reports a failed dial or authentication.
type ConnectError struct {
	Server string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Server, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TransferError reports a failed step while transferring a single file.
type TransferError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Registry maps repository protocols to transports.
type Registry map[repository.Protocol]Transport

// For returns the transport for p.
func (r Registry) For(p repository.Protocol) (Transport, error) {
	t, ok := r[p]
	if !ok || t == nil {
		return nil, fmt.Errorf("%w: %s (code %d)", ErrUnknownProtocol, p, int(p))
	}
	return t, nil
}

// Address returns server with defaultPort appended unless it already
// carries a port.
func Address(server string, defaultPort int) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(strings.Trim(server, "[]"), strconv.Itoa(defaultPort))
}

// splitPath breaks a slash-separated relative path into its directory
// segments and leaf name.
func splitPath(rel string) ([]string, string) {
	rel = strings.Trim(path.Clean(rel), "/")
	parts := strings.Split(rel, "/")
	dirs := make([]string, 0, len(parts)-1)
	for _, p := range parts[:len(parts)-1] {
		if p == "" || p == "." {
			continue
		}
		dirs = append(dirs, p)
	}
	return dirs, parts[len(parts)-1]
}

// joinRemote composes a remote path below home.
func joinRemote(home, rel string) string {
	if home == "" {
		return path.Clean(rel)
	}
	return path.Join(home, rel)
}

// Lazy defers building a transport until its first connection, so setup
// that touches the disk or needs credentials only runs for the protocol
// actually used.
func Lazy(build func() (Transport, error)) Transport {
	return &lazy{build: build}
}

type lazy struct {
	build func() (Transport, error)
	once  sync.Once
	t     Transport
	err   error
}

func (l *lazy) Connect(ctx context.Context, ep Endpoint) (Session, error) {
	l.once.Do(func() {
		l.t, l.err = l.build()
	})
	if l.err != nil {
		return nil, &ConnectError{Server: ep.Server, Err: l.err}
	}
	return l.t.Connect(ctx, ep)
}
