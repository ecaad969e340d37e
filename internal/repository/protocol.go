package repository

import (
	"fmt"
	"strconv"
	"strings"
)

// Protocol identifies the remote access method of a repository. The integer
// values are part of the on-disk format.
type Protocol int

const (
	ProtocolUnset Protocol = 0
	ProtocolSSH   Protocol = 1
	ProtocolFTP   Protocol = 2
)

// String returns the protocol name; unrecognized codes render as "unknown".
func (p Protocol) String() string {
	switch p {
	case ProtocolSSH:
		return "ssh"
	case ProtocolFTP:
		return "ftp"
	default:
		return "unknown"
	}
}

// Known reports whether p names a transport that can be used for sync.
func (p Protocol) Known() bool {
	return p == ProtocolSSH || p == ProtocolFTP
}

// ParseProtocol accepts a protocol name (ssh, sftp, ftp) or its numeric code.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ssh", "sftp":
		return ProtocolSSH, nil
	case "ftp":
		return ProtocolFTP, nil
	case "", "unset":
		return ProtocolUnset, nil
	}

	code, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || code < 0 {
		return ProtocolUnset, fmt.Errorf("invalid protocol %q (must be ssh, ftp or a numeric code)", s)
	}
	return Protocol(code), nil
}
