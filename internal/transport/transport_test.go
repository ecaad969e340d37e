package transport

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/filesync/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type nopTransport struct{}

func (nopTransport) Connect(context.Context, Endpoint) (Session, error) { return nil, nil }

func TestRegistry(t *testing.T) {
	reg := Registry{repository.ProtocolFTP: nopTransport{}}

	got, err := reg.For(repository.ProtocolFTP)
	require.NoError(t, err)
	assert.NotNil(t, got)

	for _, p := range []repository.Protocol{repository.ProtocolSSH, repository.ProtocolUnset, 9} {
		_, err := reg.For(p)
		assert.ErrorIs(t, err, ErrUnknownProtocol)
	}
}

func TestAddress(t *testing.T) {
	tests := []struct {
		server string
		port   int
		want   string
	}{
		{"example.com", 21, "example.com:21"},
		{"example.com:2121", 21, "example.com:2121"},
		{"10.0.0.1", 22, "10.0.0.1:22"},
		{"::1", 22, "[::1]:22"},
		{"[::1]", 22, "[::1]:22"},
		{"[::1]:2222", 22, "[::1]:2222"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Address(tt.server, tt.port), tt.server)
	}
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		in       string
		wantDirs []string
		wantLeaf string
	}{
		{"a.txt", []string{}, "a.txt"},
		{"css/site.css", []string{"css"}, "site.css"},
		{"a/b/c/d.txt", []string{"a", "b", "c"}, "d.txt"},
		{"./a//b.txt", []string{"a"}, "b.txt"},
	}
	for _, tt := range tests {
		dirs, leaf := splitPath(tt.in)
		assert.Equal(t, tt.wantDirs, dirs, tt.in)
		assert.Equal(t, tt.wantLeaf, leaf, tt.in)
	}
}

func TestJoinRemote(t *testing.T) {
	assert.Equal(t, "a/b.txt", joinRemote("", "a/b.txt"))
	assert.Equal(t, "a/b.txt", joinRemote(".", "a/b.txt"))
	assert.Equal(t, "/var/www/a/b.txt", joinRemote("/var/www", "a/b.txt"))
	assert.Equal(t, "www/x", joinRemote("www/", "x"))
}

func TestErrors(t *testing.T) {
	base := errors.New("boom")

	cerr := error(&ConnectError{Server: "h:21", Err: base})
	assert.ErrorIs(t, cerr, base)
	assert.Contains(t, cerr.Error(), "h:21")

	terr := error(&TransferError{Op: "upload", Path: "a.txt", Err: base})
	assert.ErrorIs(t, terr, base)
	assert.Equal(t, "upload a.txt: boom", terr.Error())
}

func TestLazy(t *testing.T) {
	builds := 0
	l := Lazy(func() (Transport, error) {
		builds++
		return nopTransport{}, nil
	})

	for i := 0; i < 3; i++ {
		_, err := l.Connect(context.Background(), Endpoint{Server: "h"})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, builds)
}

func TestLazy_BuildError(t *testing.T) {
	l := Lazy(func() (Transport, error) {
		return nil, errors.New("failed to read known hosts")
	})

	_, err := l.Connect(context.Background(), Endpoint{Server: "example.org"})
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "example.org", ce.Server)
}
