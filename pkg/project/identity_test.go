package project

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRemoteURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"git@github.com:acme/widget.git", "github.com/acme/widget"},
		{"git@github.com:acme/widget", "github.com/acme/widget"},
		{"https://github.com/acme/widget.git", "github.com/acme/widget"},
		{"https://github.com/acme/widget", "github.com/acme/widget"},
		{"ssh://git@github.com:2222/acme/widget.git", "github.com/acme/widget"},
		{"git://github.com/acme/widget.git", "github.com/acme/widget"},
		{"https://user@gitlab.example.com:8443/group/sub/repo.git", "gitlab.example.com/group/sub/repo"},
		{"gitea.local:tools/cli.git", "gitea.local/tools/cli"},
		{"", ""},
		{"not a url", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeRemoteURL(tc.in), tc.in)
	}
}

func TestResolveNonGitDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "my-project")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	r := NewResolver(nil)
	assert.Equal(t, "my-project", r.Resolve(context.Background(), dir))
}

func TestResolveEmptyDir(t *testing.T) {
	r := NewResolver(nil)
	assert.Equal(t, "unknown-project", r.Resolve(context.Background(), ""))
}

func TestResolveGitRepoWithRemote(t *testing.T) {
	requireGit(t)
	dir := filepath.Join(t.TempDir(), "checkout-name")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	runGit(t, dir, "init")
	runGit(t, dir, "remote", "add", "origin", "git@github.com:acme/widget.git")
	runGit(t, dir, "remote", "add", "upstream", "https://github.com/upstream/widget.git")

	r := NewResolver([]string{"origin", "upstream"})
	assert.Equal(t, "github.com/acme/widget", r.Resolve(context.Background(), dir))

	r = NewResolver([]string{"upstream", "origin"})
	assert.Equal(t, "github.com/upstream/widget", r.Resolve(context.Background(), dir))
}

func TestResolveGitRepoWithoutRemote(t *testing.T) {
	requireGit(t)
	dir := filepath.Join(t.TempDir(), "local-only")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	runGit(t, dir, "init")

	r := NewResolver(nil)
	assert.Equal(t, "local-only", r.Resolve(context.Background(), dir))
}

func TestResolveSubdirectoryOfRepo(t *testing.T) {
	requireGit(t)
	root := filepath.Join(t.TempDir(), "repo")
	sub := filepath.Join(root, "pkg", "deep")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	runGit(t, root, "init")
	runGit(t, root, "remote", "add", "origin", "https://github.com/acme/widget.git")

	r := NewResolver(nil)
	assert.Equal(t, "github.com/acme/widget", r.Resolve(context.Background(), sub))
}

type recordingRegistrar struct {
	old, new string
	calls    int
	err      error
}

func (r *recordingRegistrar) RegisterAlias(_ context.Context, oldProject, newProject string) error {
	r.calls++
	r.old, r.new = oldProject, newProject
	return r.err
}

func TestRegisterAlias(t *testing.T) {
	r := NewResolver(nil)
	reg := &recordingRegistrar{}

	r.RegisterAlias(context.Background(), reg, "github.com/acme/widget", "/home/dev/checkout-name")
	assert.Equal(t, 1, reg.calls)
	assert.Equal(t, "checkout-name", reg.old)
	assert.Equal(t, "github.com/acme/widget", reg.new)
}

func TestRegisterAliasSkipsBasenameIdentity(t *testing.T) {
	r := NewResolver(nil)
	reg := &recordingRegistrar{}

	// Identifier without a slash came from the basename itself.
	r.RegisterAlias(context.Background(), reg, "my-project", "/home/dev/my-project")
	assert.Zero(t, reg.calls)
}

func TestRegisterAliasFailureIsNotFatal(t *testing.T) {
	r := NewResolver(nil)
	reg := &recordingRegistrar{err: errors.New("store closed")}

	// Must not panic or propagate.
	r.RegisterAlias(context.Background(), reg, "github.com/acme/widget", "/home/dev/widget")
	assert.Equal(t, 1, reg.calls)
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
}
