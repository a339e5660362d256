package source

import (
	"context"
	"log/slog"
	"time"

	"mercator-hq/secretsrouter/pkg/policy"
)

// FileSource reads policies from a YAML file or directory, such as a
// mounted ConfigMap.
type FileSource struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
}

// NewFileSource returns a file source. A zero debounce uses 200ms.
func NewFileSource(path string, debounce time.Duration) *FileSource {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	return &FileSource{
		path:     path,
		debounce: debounce,
		logger:   slog.Default().With("component", "policy.source.file"),
	}
}

// Load implements Source.
func (s *FileSource) Load(_ context.Context) (*policy.Snapshot, error) {
	return LoadPath(s.path, "file:"+s.path)
}

// Watch implements Source. It does not perform an initial load.
func (s *FileSource) Watch(ctx context.Context, sink Sink) error {
	fw, err := newFileWatcher(s.path, s.debounce, s.logger)
	if err != nil {
		return err
	}
	return fw.run(ctx, func() {
		if err := Publish(ctx, s, sink); err != nil {
			s.logger.Error("policy reload failed", "path", s.path, "error", err)
		}
	})
}
