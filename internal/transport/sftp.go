package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTPConfig configures the SFTP transport.
type SFTPConfig struct {
	Port           int
	ConnectTimeout time.Duration
	// DirMode is applied to directories the session creates.
	DirMode fs.FileMode
	// FileMode is applied to every uploaded file.
	FileMode        fs.FileMode
	HostKeyCallback ssh.HostKeyCallback
	// Signers are offered before password authentication when set.
	Signers []ssh.Signer
}

// remoteFS is the subset of *sftp.Client used by sessions.
type remoteFS interface {
	Mkdir(path string) error
	Stat(path string) (os.FileInfo, error)
	Create(path string) (io.WriteCloser, error)
	Chmod(path string, mode os.FileMode) error
	Close() error
}

type sftpDialFunc func(ctx context.Context, addr string, cfg *ssh.ClientConfig) (remoteFS, error)

// SFTP implements Transport over SSH.
type SFTP struct {
	cfg    SFTPConfig
	logger *slog.Logger
	dial   sftpDialFunc
}

// NewSFTP creates an SFTP transport.
func NewSFTP(cfg SFTPConfig, logger *slog.Logger) *SFTP {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.DirMode == 0 {
		cfg.DirMode = 0o775
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = 0o664
	}
	return &SFTP{cfg: cfg, logger: logger, dial: dialSFTP}
}

// Connect opens an SSH connection and starts the sftp subsystem.
func (t *SFTP) Connect(ctx context.Context, ep Endpoint) (Session, error) {
	addr := Address(ep.Server, t.cfg.Port)
	t.logger.Info("connecting", "url", "sftp://"+addr, "user", ep.User)

	hostKeyCallback := t.cfg.HostKeyCallback
	if hostKeyCallback == nil {
		return nil, &ConnectError{Server: addr, Err: errors.New("no host key callback configured")}
	}

	auth := make([]ssh.AuthMethod, 0, 3)
	if len(t.cfg.Signers) > 0 {
		auth = append(auth, ssh.PublicKeys(t.cfg.Signers...))
	}
	password := ep.Password
	auth = append(auth,
		ssh.Password(password),
		ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = password
			}
			return answers, nil
		}),
	)

	clientCfg := &ssh.ClientConfig{
		User:            ep.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         t.cfg.ConnectTimeout,
	}

	client, err := t.dial(ctx, addr, clientCfg)
	if err != nil {
		return nil, &ConnectError{Server: addr, Err: err}
	}

	return &sftpSession{
		fs:       client,
		dirMode:  t.cfg.DirMode,
		fileMode: t.cfg.FileMode,
		logger:   t.logger,
	}, nil
}

// dialSFTP establishes the SSH connection. ctx and cfg.Timeout bound the
// TCP dial, the SSH handshake and the sftp subsystem start.
func dialSFTP(ctx context.Context, addr string, cfg *ssh.ClientConfig) (remoteFS, error) {
	dialer := &net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	if cfg.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.Timeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	client, err := startSFTP(conn, addr, cfg)
	if !stop() {
		// ctx fired and closed conn
		if client != nil {
			_ = client.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	_ = conn.SetDeadline(time.Time{})
	return client, nil
}

func startSFTP(conn net.Conn, addr string, cfg *ssh.ClientConfig) (*sftpClient, error) {
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		return nil, err
	}
	sshClient := ssh.NewClient(c, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, fmt.Errorf("failed to start sftp subsystem: %w", err)
	}

	return &sftpClient{Client: client, ssh: sshClient}, nil
}

// sftpClient adapts *sftp.Client to remoteFS and owns the SSH connection.
type sftpClient struct {
	*sftp.Client
	ssh *ssh.Client
}

func (c *sftpClient) Create(p string) (io.WriteCloser, error) {
	return c.Client.Create(p)
}

func (c *sftpClient) Close() error {
	err := c.Client.Close()
	if sshErr := c.ssh.Close(); err == nil {
		err = sshErr
	}
	return err
}

// sftpSession composes full remote paths. cwd starts empty (the login
// directory) and only anchors relative paths passed to the primitives.
type sftpSession struct {
	fs       remoteFS
	cwd      string
	dirMode  fs.FileMode
	fileMode fs.FileMode
	logger   *slog.Logger
}

func (s *sftpSession) resolve(p string) string {
	if path.IsAbs(p) || s.cwd == "" {
		return path.Clean(p)
	}
	return path.Join(s.cwd, p)
}

// EnsureDir creates dir with the configured directory mode. An existing
// directory is accepted.
func (s *sftpSession) EnsureDir(dir string) error {
	full := s.resolve(dir)
	if err := s.fs.Mkdir(full); err != nil {
		info, statErr := s.fs.Stat(full)
		if statErr == nil && info.IsDir() {
			return nil
		}
		return &TransferError{Op: "mkdir", Path: full, Err: err}
	}
	if err := s.fs.Chmod(full, s.dirMode); err != nil {
		return &TransferError{Op: "chmod", Path: full, Err: err}
	}
	return nil
}

func (s *sftpSession) ChangeDir(dir string) error {
	full := s.resolve(dir)
	info, err := s.fs.Stat(full)
	if err != nil {
		return &TransferError{Op: "cd", Path: full, Err: err}
	}
	if !info.IsDir() {
		return &TransferError{Op: "cd", Path: full, Err: errors.New("not a directory")}
	}
	s.cwd = full
	return nil
}

func (s *sftpSession) Upload(r io.Reader, remotePath string) error {
	full := s.resolve(remotePath)
	w, err := s.fs.Create(full)
	if err != nil {
		return &TransferError{Op: "upload", Path: full, Err: err}
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return &TransferError{Op: "upload", Path: full, Err: err}
	}
	if err := w.Close(); err != nil {
		return &TransferError{Op: "upload", Path: full, Err: err}
	}
	return nil
}

func (s *sftpSession) SetPermissions(remotePath string, mode fs.FileMode) error {
	full := s.resolve(remotePath)
	if err := s.fs.Chmod(full, mode); err != nil {
		return &TransferError{Op: "chmod", Path: full, Err: err}
	}
	return nil
}

// Deliver ensures each directory between home and the file, uploads to
// home/relPath and sets the file mode.
func (s *sftpSession) Deliver(home, relPath string, r io.Reader) error {
	dirs, _ := splitPath(relPath)

	dir := home
	for _, d := range dirs {
		dir = joinRemote(dir, d)
		s.logger.Debug("making directory", "dir", dir)
		if err := s.EnsureDir(dir); err != nil {
			return err
		}
	}

	full := joinRemote(home, relPath)
	s.logger.Debug("transferring", "file", relPath, "remote", full)
	if err := s.Upload(r, full); err != nil {
		return err
	}
	return s.SetPermissions(full, s.fileMode)
}

func (s *sftpSession) Close() error {
	return s.fs.Close()
}
