package transport

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyPolicy decides how unknown SSH host keys are treated.
type HostKeyPolicy string

const (
	// HostKeyStrict rejects hosts missing from known_hosts.
	HostKeyStrict HostKeyPolicy = "strict"
	// HostKeyAcceptNew records unknown hosts on first use (TOFU) and rejects
	// changed keys, like OpenSSH's StrictHostKeyChecking=accept-new.
	HostKeyAcceptNew HostKeyPolicy = "accept-new"
	// HostKeyInsecure accepts any key.
	HostKeyInsecure HostKeyPolicy = "insecure"
)

// HostKeyCallback builds an ssh.HostKeyCallback backed by knownHostsFile.
func HostKeyCallback(policy HostKeyPolicy, knownHostsFile string, logger *slog.Logger) (ssh.HostKeyCallback, error) {
	switch policy {
	case HostKeyInsecure:
		logger.Warn("host key verification disabled")
		return ssh.InsecureIgnoreHostKey(), nil
	case HostKeyStrict, HostKeyAcceptNew:
	default:
		return nil, fmt.Errorf("invalid host key policy %q", policy)
	}

	if policy == HostKeyAcceptNew {
		if err := ensureFile(knownHostsFile); err != nil {
			return nil, fmt.Errorf("failed to prepare %s: %w", knownHostsFile, err)
		}
	}

	check, err := knownhosts.New(knownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read known hosts: %w", err)
	}

	v := &hostKeyVerifier{
		check:    check,
		file:     knownHostsFile,
		policy:   policy,
		accepted: make(map[string]bool),
		logger:   logger,
	}
	return v.verify, nil
}

type hostKeyVerifier struct {
	check  ssh.HostKeyCallback
	file   string
	policy HostKeyPolicy
	logger *slog.Logger

	mu sync.Mutex
	// accepted holds keys appended during this process; knownhosts does not
	// re-read the file.
	accepted map[string]bool
}

func (v *hostKeyVerifier) verify(hostname string, remote net.Addr, key ssh.PublicKey) error {
	entry := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.accepted[entry] {
		return nil
	}

	err := v.check(hostname, remote, key)
	if err == nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return err
	}

	fp := keyFingerprint(key)
	if len(keyErr.Want) > 0 {
		return fmt.Errorf("host key mismatch for %s (fingerprint SHA256:%s), remove the old entry from %s to proceed: %w",
			hostname, fp, v.file, err)
	}
	if v.policy != HostKeyAcceptNew {
		return fmt.Errorf("host %s is not in %s (fingerprint SHA256:%s): %w", hostname, v.file, fp, err)
	}

	v.logger.Info("new host key, adding to known hosts", "host", hostname, "fingerprint", "SHA256:"+fp)
	if err := appendLine(v.file, entry); err != nil {
		v.logger.Warn("failed to write known hosts", "error", err)
	}
	v.accepted[entry] = true
	return nil
}

func keyFingerprint(key ssh.PublicKey) string {
	sum := sha256.Sum256(key.Marshal())
	return base64.RawStdEncoding.EncodeToString(sum[:])
}

func ensureFile(name string) error {
	if err := os.MkdirAll(filepath.Dir(name), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	return f.Close()
}

func appendLine(name, line string) error {
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()
	_, err = f.WriteString(line + "\n")
	return err
}
