package plugin

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// DefaultInstallTimeout bounds a single git clone.
const DefaultInstallTimeout = 2 * time.Minute

// Fetcher materializes a plugin source into dest. dest exists and is empty.
type Fetcher interface {
	Fetch(ctx context.Context, sourceURL, dest string) error
}

// GitFetcher clones repositories with the git binary.
type GitFetcher struct {
	binary  string
	timeout time.Duration
}

// NewGitFetcher creates a fetcher. Empty binary means "git" from PATH.
func NewGitFetcher(binary string, timeout time.Duration) *GitFetcher {
	if binary == "" {
		binary = "git"
	}
	if timeout <= 0 {
		timeout = DefaultInstallTimeout
	}
	return &GitFetcher{binary: binary, timeout: timeout}
}

func (f *GitFetcher) Fetch(ctx context.Context, sourceURL, dest string) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.binary, "clone", "--depth", "1", "--", sourceURL, dest)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("git clone timed out after %s", f.timeout)
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("git clone failed: %w: %s", err, msg)
		}
		return fmt.Errorf("git clone failed: %w", err)
	}
	return nil
}

var (
	sourceURLRegex = regexp.MustCompile(`^(?:(?:https?|git|ssh)://[^\s/]+/\S*[^\s/]|git@[^\s:/]+:\S*[^\s/])/?$`)
	pluginIDRegex  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// pluginIDFromURL validates sourceURL and derives the plugin ID from its
// trailing path segment, minus any .git suffix.
func pluginIDFromURL(sourceURL string) (string, error) {
	if !sourceURLRegex.MatchString(sourceURL) {
		return "", ErrInvalidSourceURL
	}

	trimmed := strings.TrimSuffix(sourceURL, "/")
	idx := strings.LastIndexAny(trimmed, "/:")
	id := strings.TrimSuffix(trimmed[idx+1:], ".git")

	if !pluginIDRegex.MatchString(id) || skipDirName(id) {
		return "", ErrInvalidSourceURL
	}
	return id, nil
}
