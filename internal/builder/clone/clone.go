// Package clone fetches application sources into an attempt's workdir.
package clone

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/narvanalabs/stackpilot/internal/models"
)

// ShortSHALength is the length of the commit prefix used as image tag.
const ShortSHALength = 7

// CloneError represents a failed git invocation.
type CloneError struct {
	// URL is the repository that was being cloned
	URL string

	// Branch is the branch that was being checked out
	Branch string

	// Stderr contains the git stderr output
	Stderr string

	// ExitCode is the exit code from git
	ExitCode int

	// Err is the underlying error
	Err error
}

// Error implements the error interface.
func (e *CloneError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("git clone failed (exit %d): %s", e.ExitCode, strings.TrimSpace(e.Stderr))
	}
	if e.Err != nil {
		return fmt.Sprintf("git clone failed: %v", e.Err)
	}
	return fmt.Sprintf("git clone failed with exit code %d", e.ExitCode)
}

// Unwrap returns the underlying error.
func (e *CloneError) Unwrap() error {
	return e.Err
}

// Result describes a checked out repository.
type Result struct {
	Dir       string
	CommitSHA string
}

// ShortSHA returns the abbreviated commit used as image tag.
func (r *Result) ShortSHA() string {
	if len(r.CommitSHA) <= ShortSHALength {
		return r.CommitSHA
	}
	return r.CommitSHA[:ShortSHALength]
}

// Cloner checks out cfg's repository branch into cfg's workdir.
type Cloner interface {
	Clone(ctx context.Context, cfg *models.Configuration) (*Result, error)
}

// Git is a Cloner backed by the git binary.
type Git struct {
	binary  string
	baseURL string
	logger  *slog.Logger
}

// NewGit creates a Cloner that fetches {baseURL}/{organization}/{name}.git.
func NewGit(binary, baseURL string, logger *slog.Logger) *Git {
	if binary == "" {
		binary = "git"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Git{binary: binary, baseURL: strings.TrimSuffix(baseURL, "/"), logger: logger}
}

// URL returns the clone URL for cfg.
func (g *Git) URL(cfg *models.Configuration) string {
	return fmt.Sprintf("%s/%s/%s.git", g.baseURL, cfg.Repository.Organization, cfg.Repository.Name)
}

// Clone makes a shallow clone of the configured branch. A workdir that already
// holds a checkout is reused.
func (g *Git) Clone(ctx context.Context, cfg *models.Configuration) (*Result, error) {
	dest := cfg.General.Workdir
	if dest == "" {
		return nil, &CloneError{Err: errors.New("workdir is not set")}
	}
	if Exists(dest) {
		sha, err := g.head(ctx, dest)
		if err != nil {
			return nil, &CloneError{Err: fmt.Errorf("failed to get commit SHA: %w", err)}
		}
		return &Result{Dir: dest, CommitSHA: sha}, nil
	}

	url := g.URL(cfg)
	branch := cfg.Repository.Branch
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, &CloneError{URL: url, Branch: branch, Err: fmt.Errorf("failed to create destination directory: %w", err)}
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, g.binary, "clone", "--depth", "1", "--branch", branch, "--single-branch", url, dest)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		exitCode := 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return nil, &CloneError{URL: url, Branch: branch, Stderr: stderr.String(), ExitCode: exitCode, Err: err}
	}

	sha, err := g.head(ctx, dest)
	if err != nil {
		return nil, &CloneError{URL: url, Branch: branch, Err: fmt.Errorf("failed to get commit SHA: %w", err)}
	}

	g.logger.Debug("repository cloned", "url", url, "branch", branch, "commit", sha)
	return &Result{Dir: dest, CommitSHA: sha}, nil
}

func (g *Git) head(ctx context.Context, dir string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, g.binary, "-C", dir, "rev-parse", "HEAD")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git rev-parse failed: %s", strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Exists reports whether dir holds a git checkout.
func Exists(dir string) bool {
	if dir == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}

// Checkout clones cfg and tags its image with the commit.
func Checkout(ctx context.Context, c Cloner, cfg *models.Configuration) (*Result, error) {
	res, err := c.Clone(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cfg.Build.Container.Tag = res.ShortSHA()
	return res, nil
}

// AsCloneError attempts to convert an error to a CloneError.
func AsCloneError(err error) (*CloneError, bool) {
	var cloneErr *CloneError
	ok := errors.As(err, &cloneErr)
	return cloneErr, ok
}
