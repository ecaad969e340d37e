package transport

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/jlaffaye/ftp"
)

// FTPConfig configures the FTP transport.
type FTPConfig struct {
	Port           int
	ConnectTimeout time.Duration
	ExplicitTLS    bool
	DisableEPSV    bool
}

// ftpConn is the subset of *ftp.ServerConn used by sessions.
type ftpConn interface {
	Login(user, password string) error
	ChangeDir(path string) error
	ChangeDirToParent() error
	CurrentDir() (string, error)
	MakeDir(path string) error
	Stor(path string, r io.Reader) error
	Quit() error
}

type ftpDialFunc func(ctx context.Context, addr string, opts ...ftp.DialOption) (ftpConn, error)

// FTP implements Transport over plain or explicit-TLS FTP in passive mode.
type FTP struct {
	cfg    FTPConfig
	logger *slog.Logger
	dial   ftpDialFunc
}

// NewFTP creates an FTP transport.
func NewFTP(cfg FTPConfig, logger *slog.Logger) *FTP {
	if cfg.Port == 0 {
		cfg.Port = 21
	}
	return &FTP{
		cfg:    cfg,
		logger: logger,
		dial: func(ctx context.Context, addr string, opts ...ftp.DialOption) (ftpConn, error) {
			return ftp.Dial(addr, append(opts, ftp.DialWithContext(ctx))...)
		},
	}
}

// Connect dials the server, logs in and changes to the home directory.
func (t *FTP) Connect(ctx context.Context, ep Endpoint) (Session, error) {
	addr := Address(ep.Server, t.cfg.Port)
	t.logger.Info("connecting", "url", "ftp://"+addr, "user", ep.User)

	opts := []ftp.DialOption{}
	if t.cfg.ConnectTimeout > 0 {
		opts = append(opts, ftp.DialWithTimeout(t.cfg.ConnectTimeout))
	}
	if t.cfg.DisableEPSV {
		opts = append(opts, ftp.DialWithDisabledEPSV(true))
	}
	if t.cfg.ExplicitTLS {
		host, _, _ := net.SplitHostPort(addr)
		opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}))
	}

	conn, err := t.dial(ctx, addr, opts...)
	if err != nil {
		return nil, &ConnectError{Server: addr, Err: err}
	}

	if err := conn.Login(ep.User, ep.Password); err != nil {
		_ = conn.Quit()
		return nil, &ConnectError{Server: addr, Err: err}
	}

	if ep.HomeDir != "" && ep.HomeDir != "." {
		t.logger.Debug("changing to home directory", "dir", ep.HomeDir)
		if err := conn.ChangeDir(ep.HomeDir); err != nil {
			_ = conn.Quit()
			return nil, &ConnectError{Server: addr, Err: err}
		}
	}

	return &ftpSession{conn: conn, logger: t.logger}, nil
}

// ftpSession walks the remote tree with CWD, so directory state persists
// between calls.
type ftpSession struct {
	conn   ftpConn
	logger *slog.Logger
}

// EnsureDir issues MKD. FTP servers report an existing directory with the
// same code as other failures, so an MKD error is accepted when the
// directory can be entered.
func (s *ftpSession) EnsureDir(dir string) error {
	mkErr := s.conn.MakeDir(dir)
	if mkErr == nil {
		return nil
	}

	cur, err := s.conn.CurrentDir()
	if err != nil {
		return &TransferError{Op: "mkdir", Path: dir, Err: mkErr}
	}
	if err := s.conn.ChangeDir(dir); err != nil {
		return &TransferError{Op: "mkdir", Path: dir, Err: mkErr}
	}
	if err := s.conn.ChangeDir(cur); err != nil {
		return &TransferError{Op: "cd", Path: cur, Err: err}
	}
	return nil
}

func (s *ftpSession) ChangeDir(dir string) error {
	if err := s.conn.ChangeDir(dir); err != nil {
		return &TransferError{Op: "cd", Path: dir, Err: err}
	}
	return nil
}

func (s *ftpSession) Upload(r io.Reader, remotePath string) error {
	if err := s.conn.Stor(remotePath, r); err != nil {
		return &TransferError{Op: "upload", Path: remotePath, Err: err}
	}
	return nil
}

// Deliver walks down one directory at a time, stores the leaf and walks
// back up to where it started.
func (s *ftpSession) Deliver(_, relPath string, r io.Reader) error {
	dirs, leaf := splitPath(relPath)

	for _, dir := range dirs {
		s.logger.Debug("making directory", "dir", dir)
		if err := s.EnsureDir(dir); err != nil {
			return err
		}
		if err := s.ChangeDir(dir); err != nil {
			return err
		}
	}

	if cwd, err := s.conn.CurrentDir(); err == nil {
		s.logger.Debug("remote working directory", "pwd", cwd)
	}

	if err := s.Upload(r, leaf); err != nil {
		return err
	}

	for range dirs {
		if err := s.conn.ChangeDirToParent(); err != nil {
			return &TransferError{Op: "cd", Path: "..", Err: err}
		}
	}
	return nil
}

func (s *ftpSession) Close() error {
	return s.conn.Quit()
}
