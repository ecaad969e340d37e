package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/schaermu/filesync/internal/repository"
)

// create asks for the repository settings not preset in s and writes a new
// repository with no files, replacing any existing one.
func (r *Runner) create(ctx context.Context, s Settings) error {
	var err error

	server := s.Server
	if server == "" {
		if server, err = r.prompter.Ask("Server name: "); err != nil {
			return err
		}
	}

	home := s.HomeDir
	if home == "" {
		if home, err = r.prompter.Ask("Home directory: "); err != nil {
			return err
		}
		if home == "" {
			home = "."
		}
	}

	protocol := s.Protocol
	if protocol == repository.ProtocolUnset {
		if protocol, err = r.selectProtocol(ctx, server); err != nil {
			return err
		}
	}

	user := s.User
	if user == "" {
		if user, err = r.prompter.Ask("Username: "); err != nil {
			return err
		}
	}

	if _, err := r.store.Load(); err == nil {
		r.logger.Warn("replacing existing repository", "path", r.store.Path())
	}

	repo := repository.New(server, home, protocol, user)
	if err := r.store.Create(repo); err != nil {
		return err
	}
	r.logger.Info("repository created",
		"server", server,
		"home", home,
		"protocol", protocol.String(),
		"user", user)
	return nil
}

// selectProtocol lists the protocols found on server and reads a choice
// until it is one of them. When nothing is found the repository is created
// with the unset protocol.
func (r *Runner) selectProtocol(ctx context.Context, server string) (repository.Protocol, error) {
	r.prompter.Say("Discovering protocols..")
	found, err := r.scanner.Discover(ctx, server)
	if err != nil {
		r.logger.Warn("protocol discovery failed", "server", server, "error", err)
		found = nil
	}

	if len(found) == 0 {
		r.prompter.Say("No protocols available to %s. Aborting", server)
		return repository.ProtocolUnset, nil
	}

	r.prompter.Say("Select a protocol")
	for {
		for _, p := range found {
			r.prompter.Say("%d : %s", int(p), p)
		}
		answer, err := r.prompter.Ask("")
		if err != nil {
			return repository.ProtocolUnset, fmt.Errorf("no protocol selected: %w", err)
		}
		n, err := strconv.Atoi(strings.TrimSpace(answer))
		if err != nil {
			continue
		}
		for _, p := range found {
			if int(p) == n {
				return p, nil
			}
		}
	}
}
