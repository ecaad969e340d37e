// Package prompt reads answers and passwords from the terminal.
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrNoInput is returned when input ends before an answer was given.
var ErrNoInput = errors.New("no input")

// Terminal asks questions on out and reads the answers from in. Passwords
// are read without echo when in is a terminal.
type Terminal struct {
	in     *bufio.Reader
	fd     int
	isTerm bool
	out    io.Writer

	readPassword func(fd int) ([]byte, error)
}

// New creates a prompter over in and out. When in is an *os.File attached
// to a terminal, password input is hidden.
func New(in io.Reader, out io.Writer) *Terminal {
	t := &Terminal{
		in:           bufio.NewReader(in),
		fd:           -1,
		out:          out,
		readPassword: term.ReadPassword,
	}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		t.fd = int(f.Fd())
		t.isTerm = true
	}
	return t
}

// Ask prints label and returns the next input line without its line
// terminator.
func (t *Terminal) Ask(label string) (string, error) {
	fmt.Fprint(t.out, label)
	return t.readLine()
}

// Say prints a line.
func (t *Terminal) Say(format string, args ...any) {
	fmt.Fprintf(t.out, format+"\n", args...)
}

// Password asks for the password of user on server.
func (t *Terminal) Password(ctx context.Context, server, user string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprintf(t.out, "Password for %s@%s\n", user, server)

	if !t.isTerm {
		return t.readLine()
	}

	pw, err := t.readPassword(t.fd)
	fmt.Fprintln(t.out)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(pw), nil
}

func (t *Terminal) readLine() (string, error) {
	line, err := t.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		if errors.Is(err, io.EOF) {
			return "", ErrNoInput
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
