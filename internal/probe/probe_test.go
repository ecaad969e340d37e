package probe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/filesync/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const nmapOutput = `Starting Nmap 7.94 ( https://nmap.org ) at 2024-01-01 12:00 UTC
Nmap scan report for example.org (93.184.216.34)
Host is up (0.012s latency).
Not shown: 995 filtered tcp ports (no-response)
PORT     STATE  SERVICE
21/tcp   open   ftp
22/tcp   open   ssh
80/tcp   open   http
443/tcp  open   https
990/tcp  closed ftps

Nmap done: 1 IP address (1 host up) scanned in 4.92 seconds
`

func TestParseNmap(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   []repository.Protocol
	}{
		{"both services", nmapOutput, []repository.Protocol{repository.ProtocolSSH, repository.ProtocolFTP}},
		{"ftp only", "21/tcp open ftp\n", []repository.Protocol{repository.ProtocolFTP}},
		{"ftp-data is not ftp", "20/tcp open ftp-data\n", []repository.Protocol{repository.ProtocolFTP}},
		{"sftp word does not match", "115/tcp open sftp\n", nil},
		{"duplicates collapse", "22/tcp open ssh\n2222/tcp open ssh\n", []repository.Protocol{repository.ProtocolSSH}},
		{"nothing", "Host seems down.\n", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseNmap([]byte(tt.output)))
		})
	}
}

func TestNmapScanner_Discover(t *testing.T) {
	var gotArgs []string
	s := NewNmapScanner("")
	s.run = func(cmd *exec.Cmd) ([]byte, error) {
		gotArgs = cmd.Args
		return []byte(nmapOutput), nil
	}

	found, err := s.Discover(context.Background(), "example.org")
	require.NoError(t, err)
	assert.Equal(t, []string{"nmap", "example.org"}, gotArgs)
	assert.Equal(t, []repository.Protocol{repository.ProtocolSSH, repository.ProtocolFTP}, found)
}

func TestNmapScanner_Error(t *testing.T) {
	s := NewNmapScanner("nmap")
	s.run = func(*exec.Cmd) ([]byte, error) {
		return nil, errors.New("exit status 1: Failed to resolve")
	}

	_, err := s.Discover(context.Background(), "nowhere.invalid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nmap failed")
}

func listen(t *testing.T) (int, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_, _ = io.Copy(io.Discard, conn)
			_ = conn.Close()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, func() { _ = ln.Close() }
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestDialScanner_Discover(t *testing.T) {
	open, stop := listen(t)
	defer stop()
	closed := closedPort(t)

	s := NewDialScanner(open, closed, time.Second)
	found, err := s.Discover(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, []repository.Protocol{repository.ProtocolFTP}, found)

	s = NewDialScanner(closed, open, time.Second)
	found, err = s.Discover(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, []repository.Protocol{repository.ProtocolSSH}, found)
}

func TestDialScanner_SkipsDisabledPorts(t *testing.T) {
	var dialed []string
	s := NewDialScanner(0, 22, 0)
	s.dial = func(_ context.Context, _, addr string) (net.Conn, error) {
		dialed = append(dialed, addr)
		return nil, errors.New("refused")
	}

	found, err := s.Discover(context.Background(), "host")
	require.NoError(t, err)
	assert.Empty(t, found)
	assert.Equal(t, []string{net.JoinHostPort("host", strconv.Itoa(22))}, dialed)
}

type stubScanner struct {
	found []repository.Protocol
	err   error
	calls int
}

func (s *stubScanner) Discover(context.Context, string) ([]repository.Protocol, error) {
	s.calls++
	return s.found, s.err
}

func TestFallback(t *testing.T) {
	failing := &stubScanner{err: errors.New("nmap missing")}
	working := &stubScanner{found: []repository.Protocol{repository.ProtocolFTP}}
	unused := &stubScanner{}

	f := NewFallback(testLogger(), failing, working, unused)
	found, err := f.Discover(context.Background(), "host")
	require.NoError(t, err)
	assert.Equal(t, []repository.Protocol{repository.ProtocolFTP}, found)
	assert.Equal(t, 1, failing.calls)
	assert.Zero(t, unused.calls)
}

func TestFallback_AllFail(t *testing.T) {
	f := NewFallback(testLogger(),
		&stubScanner{err: errors.New("first")},
		&stubScanner{err: errors.New("second")})

	_, err := f.Discover(context.Background(), "host")
	require.EqualError(t, err, "second")
}

func TestNormalize(t *testing.T) {
	in := []repository.Protocol{repository.ProtocolFTP, repository.ProtocolSSH, repository.ProtocolFTP}
	assert.Equal(t, []repository.Protocol{repository.ProtocolSSH, repository.ProtocolFTP}, normalize(in))
	assert.Nil(t, normalize(nil))
}
