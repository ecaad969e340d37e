package testutil

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/schaermu/filesync/internal/transport"
)

// FakeTransport is an in-memory transport.Transport. It records every
// connection and delivered file. FailFor makes Deliver fail for a path a
// given number of times; a negative count fails forever.
type FakeTransport struct {
	mu sync.Mutex

	ConnectErr error
	FailFor    map[string]int

	Connects  int
	Endpoints []transport.Endpoint
	Attempts  map[string]int
	Delivered []string
	Contents  map[string]string
}

// NewFakeTransport creates an empty fake.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		FailFor:  make(map[string]int),
		Attempts: make(map[string]int),
		Contents: make(map[string]string),
	}
}

func (f *FakeTransport) Connect(_ context.Context, ep transport.Endpoint) (transport.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Connects++
	f.Endpoints = append(f.Endpoints, ep)
	if f.ConnectErr != nil {
		return nil, &transport.ConnectError{Server: ep.Server, Err: f.ConnectErr}
	}
	return &fakeSession{t: f}, nil
}

// DeliveredPaths returns a copy of the delivered paths, in order.
func (f *FakeTransport) DeliveredPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Delivered...)
}

// Reset forgets recorded connections and deliveries.
func (f *FakeTransport) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Connects = 0
	f.Endpoints = nil
	f.Delivered = nil
	f.Attempts = make(map[string]int)
}

type fakeSession struct {
	t *FakeTransport
}

func (s *fakeSession) EnsureDir(string) error { return nil }

func (s *fakeSession) ChangeDir(string) error { return nil }

func (s *fakeSession) Upload(io.Reader, string) error { return nil }

func (s *fakeSession) Close() error { return nil }

func (s *fakeSession) Deliver(_, relPath string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	f := s.t
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Attempts[relPath]++
	if n := f.FailFor[relPath]; n != 0 {
		if n > 0 {
			f.FailFor[relPath] = n - 1
		}
		return &transport.TransferError{Op: "upload", Path: relPath, Err: errors.New("connection reset")}
	}
	f.Delivered = append(f.Delivered, relPath)
	f.Contents[relPath] = string(data)
	return nil
}
