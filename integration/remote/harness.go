//go:build integration

package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/filesync/internal/testutil"
)

const (
	sftpImage = "atmoz/sftp:alpine"
	ftpImage  = "delfer/alpine-ftp-server:latest"

	testUser     = "alice"
	testPassword = "s3cret"

	// passive ports are published 1:1 so the FTP server can announce them
	ftpControlPort = "2121"
	ftpPassiveMin  = 21100
	ftpPassiveMax  = 21110

	defaultTimeout = 5 * time.Minute
)

// Harness runs one server container per test
type Harness struct {
	t           *testing.T
	containerID string
	keepOnFail  bool
}

// NewHarness creates a new test harness
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available")
	}
	return &Harness{
		t:          t,
		keepOnFail: os.Getenv("INTEGRATION_KEEP_CONTAINER") == "1",
	}
}

// StartSFTP starts an OpenSSH server whose user owns a writable www
// directory below its chroot. It returns the host:port to connect to.
func (h *Harness) StartSFTP(ctx context.Context) (string, error) {
	h.t.Helper()
	err := h.run(ctx,
		"-p", "127.0.0.1::22",
		sftpImage,
		fmt.Sprintf("%s:%s:1001:100:www", testUser, testPassword),
	)
	if err != nil {
		return "", err
	}

	out, err := exec.CommandContext(ctx, "docker", "port", h.containerID, "22/tcp").Output()
	if err != nil {
		return "", fmt.Errorf("docker port: %w", err)
	}
	addr := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	return addr, h.waitForPort(ctx, addr)
}

// StartFTP starts a vsftpd server with a single local user. It returns
// the host:port to connect to.
func (h *Harness) StartFTP(ctx context.Context) (string, error) {
	h.t.Helper()
	err := h.run(ctx,
		"-p", "127.0.0.1:"+ftpControlPort+":21",
		"-p", fmt.Sprintf("127.0.0.1:%d-%d:%d-%d", ftpPassiveMin, ftpPassiveMax, ftpPassiveMin, ftpPassiveMax),
		"-e", fmt.Sprintf("USERS=%s|%s|/ftp/%s", testUser, testPassword, testUser),
		"-e", "ADDRESS=127.0.0.1",
		"-e", fmt.Sprintf("MIN_PORT=%d", ftpPassiveMin),
		"-e", fmt.Sprintf("MAX_PORT=%d", ftpPassiveMax),
		ftpImage,
	)
	if err != nil {
		return "", err
	}
	addr := "127.0.0.1:" + ftpControlPort
	return addr, h.waitForPort(ctx, addr)
}

func (h *Harness) run(ctx context.Context, args ...string) error {
	h.t.Helper()
	h.t.Logf("Starting container %s", args[len(args)-1])

	cmd := exec.CommandContext(ctx, "docker", append([]string{"run", "-d", "--rm"}, args...)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("docker run: %w: %s", err, stderr.String())
	}

	h.containerID = strings.TrimSpace(string(out))
	h.t.Logf("Container started: %s", h.containerID)
	return nil
}

// waitForPort polls until addr accepts connections
func (h *Harness) waitForPort(ctx context.Context, addr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			_ = conn.Close()
			// sshd and vsftpd accept before they are ready to greet
			time.Sleep(time.Second)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
	return fmt.Errorf("%s did not come up", addr)
}

// Cleanup stops and removes the container
func (h *Harness) Cleanup(ctx context.Context) {
	h.t.Helper()
	if h.containerID == "" {
		return
	}

	if h.keepOnFail && h.t.Failed() {
		h.t.Logf("Test failed and INTEGRATION_KEEP_CONTAINER=1, keeping container %s", h.containerID)
		h.t.Logf("To inspect: docker exec -it %s /bin/sh", h.containerID)
		h.t.Logf("To cleanup: docker stop %s", h.containerID)
		return
	}

	h.t.Logf("Stopping container %s", h.containerID)
	cmd := exec.CommandContext(ctx, "docker", "stop", h.containerID)
	if err := cmd.Run(); err != nil {
		h.t.Logf("Warning: failed to stop container: %v", err)
	}
}

// Exec executes a command in the container
func (h *Harness) Exec(ctx context.Context, cmd ...string) (string, string, int, error) {
	h.t.Helper()
	if h.containerID == "" {
		return "", "", 0, fmt.Errorf("container not started")
	}

	args := append([]string{"exec", h.containerID}, cmd...)
	execCmd := exec.CommandContext(ctx, "docker", args...)

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// ReadFile reads a file from the container
func (h *Harness) ReadFile(ctx context.Context, path string) (string, error) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Exec(ctx, "cat", path)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return "", fmt.Errorf("cat failed with exit code %d: %s", exitCode, stderr)
	}
	return stdout, nil
}

// FileMode returns the octal permission bits of a file in the container
func (h *Harness) FileMode(ctx context.Context, path string) (string, error) {
	h.t.Helper()
	stdout, _, exitCode, err := h.Exec(ctx, "stat", "-c", "%a", path)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return "", fmt.Errorf("stat failed with exit code %d", exitCode)
	}
	return strings.TrimSpace(stdout), nil
}

// BuildCLI compiles the filesync binary into a temporary directory
func BuildCLI(ctx context.Context, t *testing.T) string {
	t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		t.Fatalf("get project root: %v", err)
	}

	bin := filepath.Join(t.TempDir(), "filesync")
	cmd := exec.CommandContext(ctx, "go", "build", "-o", bin, "./cmd/filesync")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: t, prefix: "[build] "}
	if err := cmd.Run(); err != nil {
		t.Fatalf("go build: %v", err)
	}
	return bin
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
