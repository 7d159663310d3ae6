package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/foreman/internal/ledger"
)

// Publisher persists a completed task's output and returns a reference to it.
// reviewPending marks work finished while unattended; those artifacts land in
// a separate location so the operator reviews them before anything acts on
// them.
type Publisher interface {
	Publish(ctx context.Context, task *ledger.TaskItem, output string, reviewPending bool) (string, error)
}

// FilePublisher writes results as markdown files under a results directory.
// Review-pending artifacts go to a pending-review subdirectory.
type FilePublisher struct {
	dir string
}

// NewFilePublisher creates the results directories under dir.
func NewFilePublisher(dir string) (*FilePublisher, error) {
	for _, d := range []string{dir, filepath.Join(dir, "pending-review")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create results dir: %w", err)
		}
	}
	return &FilePublisher{dir: dir}, nil
}

func (p *FilePublisher) Publish(_ context.Context, task *ledger.TaskItem, output string, reviewPending bool) (string, error) {
	dir := p.dir
	if reviewPending {
		dir = filepath.Join(p.dir, "pending-review")
	}
	path := filepath.Join(dir, task.ID+".md")
	content := fmt.Sprintf("# Task %s\n\n%s\n\n---\ncompleted: %s\n", task.ID, output, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write result: %w", err)
	}
	return path, nil
}
