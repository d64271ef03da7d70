// Package workspace manages per-run working directories and console logs.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"git.home.luguber.info/inful/conveyor/internal/logfields"
)

// Manager hands out run workspaces under a base directory. Layout:
//
//	<base>/runs/<pipeline>/<number>/        run working directory
//	<base>/runs/<pipeline>/<number>/console.log
type Manager struct {
	baseDir string
}

// NewManager creates a workspace manager rooted at baseDir.
func NewManager(baseDir string) *Manager {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	return &Manager{baseDir: baseDir}
}

// Prepare creates the working directory and console log for one run.
func (m *Manager) Prepare(pipeline string, number int) (*Workspace, error) {
	dir := filepath.Join(m.baseDir, "runs", pipeline, fmt.Sprintf("%d", number))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create run workspace: %w", err)
	}

	consolePath := filepath.Join(dir, "console.log")
	f, err := os.Create(consolePath)
	if err != nil {
		return nil, fmt.Errorf("create console log: %w", err)
	}

	slog.Debug("Prepared run workspace", logfields.Path(dir))
	return &Workspace{dir: dir, console: &Console{f: f}, consolePath: consolePath}, nil
}

// ConsolePathFor returns where a run's console log lives without creating it.
func (m *Manager) ConsolePathFor(pipeline string, number int) string {
	return filepath.Join(m.baseDir, "runs", pipeline, fmt.Sprintf("%d", number), "console.log")
}

// Workspace is the working directory of a single run.
type Workspace struct {
	dir         string
	console     *Console
	consolePath string
}

// Dir returns the run's working directory.
func (w *Workspace) Dir() string { return w.dir }

// Console returns the run's console writer.
func (w *Workspace) Console() *Console { return w.console }

// ConsolePath returns the path of the console log file.
func (w *Workspace) ConsolePath() string { return w.consolePath }

// Close flushes and closes the console log. The working directory is kept:
// it holds the artifacts the reporting and console endpoints read later.
func (w *Workspace) Close() error {
	return w.console.close()
}

// Console is a concurrency-safe writer for run console output. Steps stream
// raw process output through Write; the runner adds marker lines via Printf.
type Console struct {
	mu sync.Mutex
	f  *os.File
}

func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.f.Write(p)
}

// Printf writes a formatted marker line to the console.
func (c *Console) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.f, format+"\n", args...)
}

func (c *Console) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.f.Close()
}
