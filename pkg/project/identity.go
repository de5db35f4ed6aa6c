// Package project resolves a working directory to a stable project
// identifier. Identity comes from the git remote when available so renames
// and multiple checkouts of the same repository map to one project.
package project

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Resolver derives project identifiers from working directories.
type Resolver struct {
	// RemoteOrder is the preference order for git remotes.
	RemoteOrder []string
}

// NewResolver builds a resolver with the given remote preference order.
// An empty order falls back to [origin, upstream].
func NewResolver(remoteOrder []string) *Resolver {
	if len(remoteOrder) == 0 {
		remoteOrder = []string{"origin", "upstream"}
	}
	return &Resolver{RemoteOrder: remoteOrder}
}

// Resolve maps a working directory to a project identifier. Inside a git
// work-tree the identifier is the normalized fetch URL of the preferred
// remote; otherwise the directory basename; "unknown-project" as a last
// resort.
func (r *Resolver) Resolve(ctx context.Context, dir string) string {
	if dir == "" {
		return "unknown-project"
	}
	if insideGitWorkTree(dir) {
		if remotes, err := gitRemotes(ctx, dir); err == nil && len(remotes) > 0 {
			if url := r.preferredRemote(remotes); url != "" {
				if id := NormalizeRemoteURL(url); id != "" {
					return id
				}
			}
		}
	}
	return basenameIdentifier(dir)
}

// AliasRegistrar is the slice of the store the resolver needs for alias
// registration.
type AliasRegistrar interface {
	RegisterAlias(ctx context.Context, oldProject, newProject string) error
}

// RegisterAlias links the directory basename to a remote-derived identifier
// so pre-git records stored under the basename stay searchable. Registration
// failures are logged, never fatal: identity must not block a session.
func (r *Resolver) RegisterAlias(ctx context.Context, registrar AliasRegistrar, project, dir string) {
	if !strings.Contains(project, "/") {
		return
	}
	basename := basenameIdentifier(dir)
	if basename == project || basename == "unknown-project" {
		return
	}
	if err := registrar.RegisterAlias(ctx, basename, project); err != nil {
		slog.Warn("Failed to register project alias", "old", basename, "new", project, "error", err)
	}
}

func (r *Resolver) preferredRemote(remotes map[string]string) string {
	for _, name := range r.RemoteOrder {
		if url, ok := remotes[name]; ok {
			return url
		}
	}
	for _, url := range remotes {
		return url
	}
	return ""
}

// insideGitWorkTree walks up from dir looking for a .git entry. A .git file
// (linked work-tree) counts the same as a directory.
func insideGitWorkTree(dir string) bool {
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return false
		}
		dir = parent
	}
}

// gitRemotes parses `git remote -v` fetch lines into name -> url.
func gitRemotes(ctx context.Context, dir string) (map[string]string, error) {
	out, err := exec.CommandContext(ctx, "git", "-C", dir, "remote", "-v").Output()
	if err != nil {
		return nil, err
	}
	remotes := make(map[string]string)
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[2] != "(fetch)" {
			continue
		}
		remotes[fields[0]] = fields[1]
	}
	return remotes, nil
}

// NormalizeRemoteURL reduces a git remote URL to host/path form: scheme,
// user, port, and the .git suffix are stripped; scp-like git@host:path
// becomes host/path.
func NormalizeRemoteURL(url string) string {
	url = strings.TrimSpace(url)
	if url == "" {
		return ""
	}

	// Scheme form: ssh://git@host:port/path, https://host/path, git://host/path.
	if i := strings.Index(url, "://"); i >= 0 {
		url = url[i+3:]
		hostAndPath := strings.SplitN(url, "/", 2)
		host := stripUserAndPort(hostAndPath[0])
		if len(hostAndPath) < 2 || host == "" {
			return ""
		}
		return host + "/" + trimPath(hostAndPath[1])
	}

	// SCP form: git@host:path.
	if at := strings.Index(url, "@"); at >= 0 {
		rest := url[at+1:]
		if colon := strings.Index(rest, ":"); colon >= 0 {
			host := rest[:colon]
			return host + "/" + trimPath(rest[colon+1:])
		}
	}

	// Bare host:path without user.
	if colon := strings.Index(url, ":"); colon >= 0 && !strings.Contains(url[:colon], "/") {
		return url[:colon] + "/" + trimPath(url[colon+1:])
	}
	return ""
}

func stripUserAndPort(host string) string {
	if at := strings.Index(host, "@"); at >= 0 {
		host = host[at+1:]
	}
	if colon := strings.Index(host, ":"); colon >= 0 {
		host = host[:colon]
	}
	return host
}

func trimPath(path string) string {
	path = strings.Trim(path, "/")
	return strings.TrimSuffix(path, ".git")
}

// basenameIdentifier falls back to the directory name. A root path yields
// "unknown-project", or drive-<letter> on Windows.
func basenameIdentifier(dir string) string {
	if vol := filepath.VolumeName(dir); vol != "" {
		rest := strings.Trim(dir[len(vol):], `\/`)
		if rest == "" {
			letter := strings.ToLower(strings.TrimSuffix(vol, ":"))
			return "drive-" + letter
		}
	}
	base := filepath.Base(dir)
	if base == "." || base == string(filepath.Separator) || base == "" {
		return "unknown-project"
	}
	return base
}
