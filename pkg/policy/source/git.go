package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"

	"mercator-hq/secretsrouter/pkg/policy"
)

// GitAuth selects how the repository is accessed.
type GitAuth struct {
	// Type is "token", "ssh" or "none".
	Type string

	// Token is used as an HTTPS basic-auth password for token auth.
	Token string

	// SSHKeyPath is the private key for ssh auth. It must not be group or
	// world readable.
	SSHKeyPath string

	// SSHPassphrase decrypts SSHKeyPath, if it is encrypted.
	SSHPassphrase string
}

// GitConfig configures a GitSource.
type GitConfig struct {
	// Repository is the clone URL or a local path.
	Repository string

	// Branch to track. Defaults to "main".
	Branch string

	// Path is the policy directory inside the repository.
	Path string

	// LocalPath is where the repository is cloned.
	LocalPath string

	// Depth limits clone history; 0 clones everything.
	Depth int

	// PollInterval is how often the remote is checked. Defaults to 30s.
	PollInterval time.Duration

	// Timeout bounds each clone or pull. Defaults to 30s.
	Timeout time.Duration

	Auth GitAuth
}

// GitSource reads policies from a directory in a git repository and
// reloads when new commits touch policy files.
type GitSource struct {
	cfg    GitConfig
	logger *slog.Logger

	mu   sync.Mutex
	repo *gogit.Repository
	head string
}

// NewGitSource validates cfg and returns a source. Nothing is cloned until
// Load or Watch is called.
func NewGitSource(cfg GitConfig) (*GitSource, error) {
	if cfg.Repository == "" {
		return nil, errors.New("git source: repository is required")
	}
	if cfg.LocalPath == "" {
		return nil, errors.New("git source: local path is required")
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if _, err := gitAuthMethod(cfg.Auth); err != nil {
		return nil, err
	}
	return &GitSource{
		cfg:    cfg,
		logger: slog.Default().With("component", "policy.source.git", "repository", cfg.Repository),
	}, nil
}

// gitAuthMethod builds the transport auth for cfg. A nil method means
// anonymous access.
func gitAuthMethod(cfg GitAuth) (transport.AuthMethod, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "token":
		if cfg.Token == "" {
			return nil, errors.New("git token auth requires a token")
		}
		// Hosting providers accept any non-empty username with a token.
		return &http.BasicAuth{Username: "git", Password: cfg.Token}, nil
	case "ssh":
		if cfg.SSHKeyPath == "" {
			return nil, errors.New("git ssh auth requires a key path")
		}
		info, err := os.Stat(cfg.SSHKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to access SSH key file: %w", err)
		}
		if mode := info.Mode().Perm(); mode&0077 != 0 {
			return nil, fmt.Errorf("SSH key file permissions too open (%o), should be 0600", mode)
		}
		auth, err := ssh.NewPublicKeysFromFile("git", cfg.SSHKeyPath, cfg.SSHPassphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to load SSH key: %w", err)
		}
		return auth, nil
	default:
		return nil, fmt.Errorf("unknown git auth type %q (must be token, ssh or none)", cfg.Type)
	}
}

// Load implements Source. The first call clones (or opens an existing
// clone); later calls read the current checkout without fetching.
func (s *GitSource) Load(ctx context.Context) (*policy.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.openLocked(ctx); err != nil {
		return nil, err
	}
	return s.loadLocked()
}

// Watch implements Source. It polls the remote until ctx is done.
func (s *GitSource) Watch(ctx context.Context, sink Sink) error {
	s.mu.Lock()
	err := s.openLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	debounce := NewDebouncer(100 * time.Millisecond)
	defer debounce.Stop()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.logger.Info("polling policy repository", "branch", s.cfg.Branch, "interval", s.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			changed, err := s.Poll(ctx)
			if err != nil {
				s.logger.Warn("policy repository poll failed", "error", err)
				continue
			}
			if changed {
				debounce.Trigger(func() {
					if err := Publish(ctx, s, sink); err != nil {
						s.logger.Error("policy reload failed", "error", err)
					}
				})
			}
		}
	}
}

// Poll pulls the tracked branch and reports whether the new commits touched
// any policy file.
func (s *GitSource) Poll(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.openLocked(ctx); err != nil {
		return false, err
	}

	worktree, err := s.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("failed to get worktree: %w", err)
	}
	auth, err := gitAuthMethod(s.cfg.Auth)
	if err != nil {
		return false, err
	}

	pullCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	err = worktree.PullContext(pullCtx, &gogit.PullOptions{
		RemoteName:    "origin",
		ReferenceName: plumbing.NewBranchReferenceName(s.cfg.Branch),
		SingleBranch:  true,
		Auth:          auth,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return false, fmt.Errorf("failed to pull: %w", err)
	}

	ref, err := s.repo.Head()
	if err != nil {
		return false, fmt.Errorf("failed to get HEAD: %w", err)
	}
	newHead := ref.Hash().String()
	if newHead == s.head {
		return false, nil
	}

	files, err := s.changedFiles(s.head, newHead)
	if err != nil {
		return false, err
	}
	s.logger.Debug("policy repository advanced", "from", short(s.head), "to", short(newHead), "files", len(files))
	s.head = newHead

	for _, f := range files {
		if s.inPolicyPath(f) && policyFile(f) {
			return true, nil
		}
	}
	return false, nil
}

// Head returns the commit the source last observed.
func (s *GitSource) Head() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head
}

func (s *GitSource) openLocked(ctx context.Context) error {
	if s.repo != nil {
		return nil
	}

	var repo *gogit.Repository
	if _, err := os.Stat(filepath.Join(s.cfg.LocalPath, ".git")); err == nil {
		repo, err = gogit.PlainOpen(s.cfg.LocalPath)
		if err != nil {
			return fmt.Errorf("failed to open existing repo: %w", err)
		}
	} else {
		if err := os.MkdirAll(s.cfg.LocalPath, 0o755); err != nil {
			return fmt.Errorf("failed to create repository directory: %w", err)
		}
		auth, err := gitAuthMethod(s.cfg.Auth)
		if err != nil {
			return err
		}

		cloneCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()

		repo, err = gogit.PlainCloneContext(cloneCtx, s.cfg.LocalPath, false, &gogit.CloneOptions{
			URL:           s.cfg.Repository,
			ReferenceName: plumbing.NewBranchReferenceName(s.cfg.Branch),
			SingleBranch:  true,
			Depth:         s.cfg.Depth,
			Auth:          auth,
		})
		if err != nil {
			return fmt.Errorf("failed to clone repository: %w", err)
		}
		s.logger.Info("cloned policy repository", "branch", s.cfg.Branch, "path", s.cfg.LocalPath)
	}

	ref, err := repo.Head()
	if err != nil {
		return fmt.Errorf("failed to get HEAD: %w", err)
	}
	s.repo = repo
	s.head = ref.Hash().String()
	return nil
}

func (s *GitSource) loadLocked() (*policy.Snapshot, error) {
	dir := filepath.Join(s.cfg.LocalPath, s.cfg.Path)
	snap, err := LoadPath(dir, "git:"+s.cfg.Repository+"@"+s.cfg.Branch)
	if err != nil {
		return nil, err
	}
	snap.Version = short(s.head)
	return snap, nil
}

func (s *GitSource) inPolicyPath(file string) bool {
	if s.cfg.Path == "" || s.cfg.Path == "." {
		return true
	}
	rel, err := filepath.Rel(filepath.Clean(s.cfg.Path), filepath.Clean(file))
	return err == nil && rel != ".." && !strings.HasPrefix(rel, "../")
}

// changedFiles diffs two commits. An unknown from commit (e.g. after a
// shallow clone) reports every file in the new tree.
func (s *GitSource) changedFiles(fromSHA, toSHA string) ([]string, error) {
	toCommit, err := s.repo.CommitObject(plumbing.NewHash(toSHA))
	if err != nil {
		return nil, fmt.Errorf("failed to get commit %s: %w", short(toSHA), err)
	}
	toTree, err := toCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to get tree: %w", err)
	}

	fromCommit, err := s.repo.CommitObject(plumbing.NewHash(fromSHA))
	if err != nil {
		var files []string
		iter := toTree.Files()
		defer iter.Close()
		for {
			f, err := iter.Next()
			if err != nil {
				break
			}
			files = append(files, f.Name)
		}
		return files, nil
	}
	fromTree, err := fromCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to get tree: %w", err)
	}

	changes, err := fromTree.Diff(toTree)
	if err != nil {
		return nil, fmt.Errorf("failed to diff trees: %w", err)
	}
	files := make([]string, 0, len(changes))
	for _, change := range changes {
		if change.To.Name != "" {
			files = append(files, change.To.Name)
		} else if change.From.Name != "" {
			files = append(files, change.From.Name)
		}
	}
	return files, nil
}

func short(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
