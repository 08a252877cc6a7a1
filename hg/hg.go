// Package hg drives the mercurial CLI. Every invocation enables the mq
// extension, since the landing flow works through patch queues.
package hg

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/relengtools/autoland/config"
)

// Runner is the mercurial surface the pusher consumes. The executor
// implements it against the real CLI; tests substitute a fake.
type Runner interface {
	Clone(ctx context.Context, url, dest string) error
	Pull(ctx context.Context, repo, source string) error
	UpdateClean(ctx context.Context, repo string) error
	QImport(ctx context.Context, repo, patchFile string) error
	QPush(ctx context.Context, repo string) error
	QPopAll(ctx context.Context, repo string) error
	QRefresh(ctx context.Context, repo, user, message string) error
	QHeader(ctx context.Context, repo string) (string, error)
	QNew(ctx context.Context, repo, name, user, message string) error
	QFinishAll(ctx context.Context, repo string) error
	Push(ctx context.Context, repo, dest string, force bool) error
	Identify(ctx context.Context, repo string) (string, error)
}

// CommandError carries the failing command and its combined output.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("hg %s: %v: %s",
		strings.Join(e.Args, " "), e.Err, strings.TrimSpace(e.Output))
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Executor runs mercurial as a subprocess.
type Executor struct {
	config config.HgConfig
	logger *slog.Logger
}

// NewExecutor creates a mercurial executor.
func NewExecutor(cfg config.HgConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{config: cfg, logger: logger}
}

// sshCommand builds the ssh invocation used for clone/pull/push.
func (e *Executor) sshCommand() string {
	parts := []string{"ssh"}
	if e.config.SSHUsername != "" {
		parts = append(parts, "-l", e.config.SSHUsername)
	}
	if e.config.SSHKey != "" {
		parts = append(parts, "-i", e.config.SSHKey)
	}
	return strings.Join(parts, " ")
}

func (e *Executor) run(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"--config", "extensions.mq="}, args...)
	cmd := exec.CommandContext(ctx, e.config.Binary, full...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), &CommandError{Args: args, Output: string(output), Err: err}
	}
	e.logger.Debug("hg command succeeded", slog.String("args", strings.Join(args, " ")))
	return string(output), nil
}

// Clone clones the tip of a repository.
func (e *Executor) Clone(ctx context.Context, url, dest string) error {
	_, err := e.run(ctx, "clone", "-e", e.sshCommand(), url, dest)
	return err
}

// Pull pulls from source into repo.
func (e *Executor) Pull(ctx context.Context, repo, source string) error {
	args := []string{"pull", "-e", e.sshCommand(), "-R", repo}
	if source != "" {
		args = append(args, source)
	}
	_, err := e.run(ctx, args...)
	return err
}

// UpdateClean discards local changes and updates to tip.
func (e *Executor) UpdateClean(ctx context.Context, repo string) error {
	_, err := e.run(ctx, "update", "-C", "-R", repo)
	return err
}

// QImport imports a patch file into the queue.
func (e *Executor) QImport(ctx context.Context, repo, patchFile string) error {
	_, err := e.run(ctx, "qimport", "-R", repo, patchFile)
	return err
}

// QPush applies the next queued patch.
func (e *Executor) QPush(ctx context.Context, repo string) error {
	_, err := e.run(ctx, "qpush", "-R", repo)
	return err
}

// QPopAll unapplies every queued patch.
func (e *Executor) QPopAll(ctx context.Context, repo string) error {
	_, err := e.run(ctx, "qpop", "-a", "-R", repo)
	return err
}

// QRefresh updates the topmost patch, optionally rewriting its user
// and message.
func (e *Executor) QRefresh(ctx context.Context, repo, user, message string) error {
	args := []string{"qrefresh", "-R", repo}
	if user != "" {
		args = append(args, "-u", user)
	}
	if message != "" {
		args = append(args, "-m", message)
	}
	_, err := e.run(ctx, args...)
	return err
}

// QHeader returns the commit message of the topmost patch.
func (e *Executor) QHeader(ctx context.Context, repo string) (string, error) {
	output, err := e.run(ctx, "qheader", "-R", repo)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// QNew creates a new empty patch with the given message and user.
func (e *Executor) QNew(ctx context.Context, repo, name, user, message string) error {
	_, err := e.run(ctx, "qnew", "-R", repo, "-u", user, "-m", message, name)
	return err
}

// QFinishAll converts all applied patches into permanent changesets.
func (e *Executor) QFinishAll(ctx context.Context, repo string) error {
	_, err := e.run(ctx, "qfinish", "-a", "-R", repo)
	return err
}

// Push pushes repo to dest. Force is only ever used for try pushes,
// which land multiple heads on purpose.
func (e *Executor) Push(ctx context.Context, repo, dest string, force bool) error {
	args := []string{"push", "-e", e.sshCommand(), "-R", repo}
	if force {
		args = append(args, "-f")
	}
	args = append(args, dest)
	_, err := e.run(ctx, args...)
	return err
}

// Identify returns the short changeset hash of the repo's parent
// revision.
func (e *Executor) Identify(ctx context.Context, repo string) (string, error) {
	output, err := e.run(ctx, "identify", "-i", "-R", repo)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(output), "+")), nil
}

// NormalizePushURL rewrites http(s) repository URLs to their ssh
// equivalents; pushes only ever travel over ssh.
func NormalizePushURL(url string) string {
	if rest, ok := strings.CutPrefix(url, "https://"); ok {
		return "ssh://" + rest
	}
	if rest, ok := strings.CutPrefix(url, "http://"); ok {
		return "ssh://" + rest
	}
	return url
}
