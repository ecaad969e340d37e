package prompt

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsk(t *testing.T) {
	out := &bytes.Buffer{}
	p := New(strings.NewReader("example.org\r\n\nlast"), out)

	got, err := p.Ask("Server name: ")
	require.NoError(t, err)
	assert.Equal(t, "example.org", got)

	got, err = p.Ask("Home directory: ")
	require.NoError(t, err)
	assert.Equal(t, "", got)

	got, err = p.Ask("Username: ")
	require.NoError(t, err)
	assert.Equal(t, "last", got)

	_, err = p.Ask("Again: ")
	assert.ErrorIs(t, err, ErrNoInput)

	assert.Equal(t, "Server name: Home directory: Username: Again: ", out.String())
}

func TestPassword_NotATerminal(t *testing.T) {
	out := &bytes.Buffer{}
	p := New(strings.NewReader("hunter2\n"), out)

	pw, err := p.Password(context.Background(), "example.org", "alice")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", pw)
	assert.Equal(t, "Password for alice@example.org\n", out.String())
}

func TestPassword_Terminal(t *testing.T) {
	out := &bytes.Buffer{}
	p := New(strings.NewReader(""), out)
	p.isTerm = true
	p.fd = 7

	var gotFD int
	p.readPassword = func(fd int) ([]byte, error) {
		gotFD = fd
		return []byte("s3cret"), nil
	}

	pw, err := p.Password(context.Background(), "h", "u")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", pw)
	assert.Equal(t, 7, gotFD)
	assert.Equal(t, "Password for u@h\n\n", out.String())
}

func TestPassword_TerminalError(t *testing.T) {
	p := New(strings.NewReader(""), &bytes.Buffer{})
	p.isTerm = true
	p.readPassword = func(int) ([]byte, error) {
		return nil, errors.New("inappropriate ioctl")
	}

	_, err := p.Password(context.Background(), "h", "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read password")
}

func TestPassword_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(strings.NewReader("pw\n"), &bytes.Buffer{})
	_, err := p.Password(ctx, "h", "u")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSay(t *testing.T) {
	out := &bytes.Buffer{}
	New(strings.NewReader(""), out).Say("%d : %s", 1, "ssh")
	assert.Equal(t, "1 : ssh\n", out.String())
}
