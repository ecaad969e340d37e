package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/filesync/internal/fingerprint"
	"github.com/schaermu/filesync/internal/repository"
	"github.com/schaermu/filesync/internal/sync"
	"github.com/schaermu/filesync/internal/testutil"
	"github.com/schaermu/filesync/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakePrompter answers from a fixed list and records what was printed.
type fakePrompter struct {
	answers []string
	out     *bytes.Buffer
}

func (p *fakePrompter) Ask(label string) (string, error) {
	p.out.WriteString(label)
	if len(p.answers) == 0 {
		return "", errors.New("no input")
	}
	a := p.answers[0]
	p.answers = p.answers[1:]
	return a, nil
}

func (p *fakePrompter) Say(format string, args ...any) {
	fmt.Fprintf(p.out, format+"\n", args...)
}

type stubScanner struct {
	found []repository.Protocol
	err   error
}

func (s *stubScanner) Discover(context.Context, string) ([]repository.Protocol, error) {
	return s.found, s.err
}

type env struct {
	fs       billy.Filesystem
	store    *repository.Store
	ft       *testutil.FakeTransport
	out      *bytes.Buffer
	prompter *fakePrompter
	scanner  *stubScanner
	runner   *Runner
}

func newEnv(t *testing.T, files map[string]string) *env {
	t.Helper()

	fs := memfs.New()
	for name, content := range files {
		require.NoError(t, util.WriteFile(fs, name, []byte(content), 0644))
	}

	e := &env{
		fs:       fs,
		store:    repository.NewStore(fs),
		ft:       testutil.NewFakeTransport(),
		out:      &bytes.Buffer{},
		scanner:  &stubScanner{},
	}
	e.prompter = &fakePrompter{out: e.out}

	creds := sync.CredentialsFunc(func(context.Context, string, string) (string, error) {
		return "pw", nil
	})
	engine := sync.NewEngine(fs,
		transport.Registry{repository.ProtocolFTP: e.ft, repository.ProtocolSSH: e.ft},
		creds, sync.Config{RetryLimit: 1}, e.out, testLogger())

	e.runner = NewRunner(Deps{
		FS:       fs,
		Store:    e.store,
		Syncer:   engine,
		Prompter: e.prompter,
		Scanner:  e.scanner,
		Out:      e.out,
	}, Config{Root: "/work"}, testLogger())
	return e
}

// initRepo writes a repository tracking files, all never synced.
func (e *env) initRepo(t *testing.T, files ...string) {
	t.Helper()
	repo := repository.New("example.org", "www", repository.ProtocolFTP, "alice")
	for _, f := range files {
		repo.Add(f)
	}
	require.NoError(t, repository.NewStore(e.fs).Create(repo))
}

func (e *env) onDisk(t *testing.T) *repository.Repository {
	t.Helper()
	repo, err := repository.NewStore(e.fs).Load()
	require.NoError(t, err)
	return repo
}

func TestRun_NotInitialized(t *testing.T) {
	e := newEnv(t, nil)

	err := e.runner.Run(context.Background(), []Operation{NewOperation(List)})
	require.ErrorIs(t, err, repository.ErrNotInitialized)
}

func TestRun_ContinuesAfterFailure(t *testing.T) {
	e := newEnv(t, map[string]string{"a.txt": "a"})
	e.initRepo(t)

	ops := []Operation{
		NewOperation(ChangeUser), // no user name
		NewOperation(Add, "a.txt"),
	}
	err := e.runner.Run(context.Background(), ops)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "change-user: missing user name")

	_, ok := e.onDisk(t).Lookup("a.txt")
	assert.True(t, ok, "add still ran")
}

func TestRun_StopsWhenCancelled(t *testing.T) {
	e := newEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.runner.Run(ctx, []Operation{NewOperation(Help)})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, e.out.String())
}

func TestAdd(t *testing.T) {
	e := newEnv(t, map[string]string{
		"a.txt":       "a",
		"dir/b.txt":   "b",
		"dir/.hidden": "h",
	})
	e.initRepo(t, "a.txt")

	err := e.runner.Run(context.Background(), []Operation{NewOperation(Add, "a.txt", "dir", "nope.txt")})
	require.NoError(t, err)

	assert.Equal(t, "Skipping dir: is a directory\nSkipping nope.txt: does not exist\n", e.out.String())
	assert.Equal(t, 1, e.onDisk(t).Len(), "existing entry not duplicated")

	e.out.Reset()
	op := NewOperation(Add, "dir")
	op.Recursive = true
	require.NoError(t, e.runner.Run(context.Background(), []Operation{op}))

	assert.Equal(t, "Adding dir/b.txt\n", e.out.String())
	tf, ok := e.onDisk(t).Lookup("dir/b.txt")
	require.True(t, ok)
	assert.True(t, tf.Fingerprint.IsNeverSynced())
}

func TestAdd_KeepsExistingFingerprint(t *testing.T) {
	e := newEnv(t, map[string]string{"a.txt": "a"})
	e.initRepo(t, "a.txt")
	require.NoError(t, e.runner.Run(context.Background(), []Operation{NewOperation(MarkUpToDate)}))

	before, _ := e.onDisk(t).Lookup("a.txt")
	require.NoError(t, e.runner.Run(context.Background(), []Operation{NewOperation(Add, "a.txt")}))
	after, _ := e.onDisk(t).Lookup("a.txt")

	assert.False(t, after.Fingerprint.IsNeverSynced())
	assert.Equal(t, before, after)
}

func TestAdd_UnstorableNamesKeepRepositoryIntact(t *testing.T) {
	e := newEnv(t, map[string]string{
		"a|b.txt":                         "x",
		"evil\nServer: attacker.example": "x",
		"ok.txt":                          "x",
	})
	e.initRepo(t)

	err := e.runner.Run(context.Background(), []Operation{
		NewOperation(Add, "a|b.txt", "evil\nServer: attacker.example", "ok.txt"),
	})
	require.NoError(t, err)
	assert.Contains(t, e.out.String(), "Skipping a|b.txt: contains '|' or a line break")

	repo := e.onDisk(t)
	assert.Equal(t, "example.org", repo.Server())
	assert.Equal(t, []repository.TrackedFile{
		{Path: "ok.txt", Fingerprint: fingerprint.NeverSynced},
	}, repo.Files())
}

func TestRemove(t *testing.T) {
	e := newEnv(t, nil)
	e.initRepo(t, "a.txt", "b.txt")

	err := e.runner.Run(context.Background(), []Operation{NewOperation(Remove, "b.txt", "absent.txt", "/work/a.txt")})
	require.NoError(t, err)

	assert.Equal(t, "Removing b.txt\nRemoving a.txt\n", e.out.String())
	assert.Zero(t, e.onDisk(t).Len())
}

func TestRemove_AbsentLeavesFileUntouched(t *testing.T) {
	e := newEnv(t, nil)
	e.initRepo(t, "a.txt")
	before, err := util.ReadFile(e.fs, repository.FileName)
	require.NoError(t, err)

	require.NoError(t, e.runner.Run(context.Background(), []Operation{NewOperation(Remove, "zzz")}))

	after, err := util.ReadFile(e.fs, repository.FileName)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestMarkUpToDate(t *testing.T) {
	e := newEnv(t, map[string]string{"a.txt": "a", "b.txt": "b"})
	e.initRepo(t, "a.txt", "b.txt")

	ops := []Operation{NewOperation(MarkUpToDate), NewOperation(Sync)}
	require.NoError(t, e.runner.Run(context.Background(), ops))

	assert.Equal(t, "Forcing all files to be up-to-date\nUp-to-date!\n", e.out.String())
	assert.Zero(t, e.ft.Connects)

	want, err := fingerprint.Of(e.fs, "a.txt")
	require.NoError(t, err)
	got, _ := e.onDisk(t).Lookup("a.txt")
	assert.Equal(t, want, got.Fingerprint)
}

func TestSyncThenList(t *testing.T) {
	e := newEnv(t, map[string]string{"a.txt": "a", "b.txt": "b"})
	e.initRepo(t, "a.txt", "b.txt")

	plan := Parse([]string{"-c", "-l"})
	require.NoError(t, e.runner.Run(context.Background(), plan.Operations))

	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, e.ft.DeliveredPaths())
	assert.Contains(t, e.out.String(), "-----\na.txt\nb.txt\n")
}

func TestForceSync_FiltersAreOR(t *testing.T) {
	e := newEnv(t, map[string]string{
		"report.txt":   "r",
		"q1-report.md": "q",
		"notes.txt":    "n",
	})
	e.initRepo(t, "report.txt", "q1-report.md", "notes.txt")
	require.NoError(t, e.runner.Run(context.Background(), []Operation{NewOperation(MarkUpToDate)}))

	require.NoError(t, e.runner.Run(context.Background(), []Operation{NewOperation(ForceSync, "report")}))
	assert.Equal(t, []string{"report.txt", "q1-report.md"}, e.ft.DeliveredPaths())

	e.ft.Reset()
	require.NoError(t, e.runner.Run(context.Background(), []Operation{NewOperation(ForceSync, "^notes", "md$")}))
	assert.Equal(t, []string{"q1-report.md", "notes.txt"}, e.ft.DeliveredPaths())

	e.ft.Reset()
	require.NoError(t, e.runner.Run(context.Background(), []Operation{NewOperation(ForceSync)}))
	assert.Len(t, e.ft.DeliveredPaths(), 3)
}

func TestSync_FailedBatchIsReported(t *testing.T) {
	e := newEnv(t, map[string]string{"a.txt": "a"})
	e.initRepo(t, "a.txt")
	e.ft.FailFor["a.txt"] = -1

	err := e.runner.Run(context.Background(), []Operation{NewOperation(Sync), NewOperation(ListChanged)})
	require.ErrorIs(t, err, sync.ErrRetryExhausted)

	assert.Equal(t, 2, e.ft.Attempts["a.txt"])
	assert.True(t, strings.HasSuffix(e.out.String(), "-----\na.txt **\n"), e.out.String())
}

func TestChangeUser_AppliesToLaterSync(t *testing.T) {
	e := newEnv(t, map[string]string{"a.txt": "a"})
	e.initRepo(t, "a.txt")

	plan := Parse([]string{"-u", "bob", "-c", "-l"})
	require.NoError(t, e.runner.Run(context.Background(), plan.Operations))

	require.Len(t, e.ft.Endpoints, 1)
	assert.Equal(t, "bob", e.ft.Endpoints[0].User)
	assert.Contains(t, e.out.String(), "Username = bob\n")
	assert.Equal(t, "alice", e.onDisk(t).StoredUser())
}

func TestHelp(t *testing.T) {
	e := newEnv(t, nil)
	require.NoError(t, e.runner.Run(context.Background(), Parse([]string{"--help"}).Operations))
	assert.True(t, strings.HasPrefix(e.out.String(), "filesync [-s]"))
}
