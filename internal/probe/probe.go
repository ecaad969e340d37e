// Package probe discovers which transfer protocols a server offers.
package probe

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"regexp"
	"sort"
	"time"

	"github.com/schaermu/filesync/internal/repository"
)

// Scanner discovers the protocols reachable on a server
type Scanner interface {
	// Discover returns the available protocols, sorted by code and without
	// duplicates. An empty result is not an error.
	Discover(ctx context.Context, server string) ([]repository.Protocol, error)
}

var (
	sshService = regexp.MustCompile(`\bssh\b`)
	ftpService = regexp.MustCompile(`\bftp\b`)
)

// NmapScanner implements Scanner by shelling out to nmap
type NmapScanner struct {
	binary string
	run    func(cmd *exec.Cmd) ([]byte, error)
}

// NewNmapScanner creates a scanner that runs the given nmap binary
func NewNmapScanner(binary string) *NmapScanner {
	if binary == "" {
		binary = "nmap"
	}
	return &NmapScanner{binary: binary, run: runCommand}
}

// Discover runs nmap against server and reads the service column
func (s *NmapScanner) Discover(ctx context.Context, server string) ([]repository.Protocol, error) {
	cmd := exec.CommandContext(ctx, s.binary, server)
	output, err := s.run(cmd)
	if err != nil {
		return nil, fmt.Errorf("nmap failed: %w", err)
	}
	return parseNmap(output), nil
}

// parseNmap picks protocols from nmap's port table. A line naming both
// services counts as ssh.
func parseNmap(output []byte) []repository.Protocol {
	var found []repository.Protocol
	sc := bufio.NewScanner(bytes.NewReader(output))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case sshService.MatchString(line):
			found = append(found, repository.ProtocolSSH)
		case ftpService.MatchString(line):
			found = append(found, repository.ProtocolFTP)
		}
	}
	return normalize(found)
}

// DialScanner implements Scanner with plain TCP connects to the FTP and
// SSH ports.
type DialScanner struct {
	FTPPort int
	SSHPort int
	Timeout time.Duration

	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewDialScanner creates a scanner probing the given ports
func NewDialScanner(ftpPort, sshPort int, timeout time.Duration) *DialScanner {
	d := &net.Dialer{}
	return &DialScanner{
		FTPPort: ftpPort,
		SSHPort: sshPort,
		Timeout: timeout,
		dial:    d.DialContext,
	}
}

// Discover reports every protocol whose port accepts a connection
func (s *DialScanner) Discover(ctx context.Context, server string) ([]repository.Protocol, error) {
	probes := []struct {
		protocol repository.Protocol
		port     int
	}{
		{repository.ProtocolSSH, s.SSHPort},
		{repository.ProtocolFTP, s.FTPPort},
	}

	var found []repository.Protocol
	for _, p := range probes {
		if p.port <= 0 {
			continue
		}
		if s.open(ctx, net.JoinHostPort(server, fmt.Sprint(p.port))) {
			found = append(found, p.protocol)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return normalize(found), nil
}

func (s *DialScanner) open(ctx context.Context, addr string) bool {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	conn, err := s.dial(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Fallback tries each scanner in turn and returns the first result that
// did not fail.
type Fallback struct {
	scanners []Scanner
	logger   *slog.Logger
}

// NewFallback creates a scanner chain
func NewFallback(logger *slog.Logger, scanners ...Scanner) *Fallback {
	return &Fallback{scanners: scanners, logger: logger}
}

func (f *Fallback) Discover(ctx context.Context, server string) ([]repository.Protocol, error) {
	var lastErr error
	for _, s := range f.scanners {
		found, err := s.Discover(ctx, server)
		if err == nil {
			return found, nil
		}
		f.logger.Debug("protocol discovery failed, trying next scanner", "server", server, "error", err)
		lastErr = err
	}
	if lastErr == nil {
		return nil, nil
	}
	return nil, lastErr
}

// Auto returns nmap discovery when nmap is installed, with TCP probes as
// the fallback.
func Auto(ftpPort, sshPort int, timeout time.Duration, logger *slog.Logger) Scanner {
	dial := NewDialScanner(ftpPort, sshPort, timeout)
	if path, err := exec.LookPath("nmap"); err == nil {
		return NewFallback(logger, NewNmapScanner(path), dial)
	}
	logger.Debug("nmap not found, using TCP probes")
	return dial
}

func normalize(in []repository.Protocol) []repository.Protocol {
	if len(in) == 0 {
		return nil
	}
	sort.Slice(in, func(i, j int) bool { return in[i] < in[j] })
	out := in[:1]
	for _, p := range in[1:] {
		if p != out[len(out)-1] {
			out = append(out, p)
		}
	}
	return out
}

// runCommand executes a command and returns its stdout, with stderr in
// the error on failure
func runCommand(cmd *exec.Cmd) ([]byte, error) {
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, stderr.String())
	}
	return output, nil
}
