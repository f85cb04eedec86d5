package tasks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// reloadDebounce coalesces the burst of events an editor or deploy
	// produces into one rescan.
	reloadDebounce = 200 * time.Millisecond

	// stderrTail is how much handler stderr is kept for the job's last_error.
	stderrTail = 2048

	maxIdentifierLen = 128

	// killWaitDelay bounds how long a cancelled handler waits for the
	// script's output pipes to close.
	killWaitDelay = 2 * time.Second
)

// Watched is a registry loaded from a directory. With watching enabled it
// rescans the directory whenever it changes; Release stops the watcher.
type Watched struct {
	dir string
	log *slog.Logger

	mu    sync.RWMutex
	tasks TaskList

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// Load builds a registry from the executable files in dir. Each file's name
// without its extension is the task identifier; the handler runs the file
// with the job payload on stdin and PGWORKER_JOB_ID, PGWORKER_TASK and
// PGWORKER_ATTEMPTS in its environment. A non-zero exit fails the job.
//
// When watch is true the directory is rescanned on change until Release.
func Load(ctx context.Context, dir string, watch bool, log *slog.Logger) (*Watched, error) {
	if log == nil {
		log = slog.Default()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("task directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("task directory %s is not a directory", dir)
	}

	list, err := scan(dir)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		log.Warn("no tasks found in task directory", "dir", dir)
	}

	w := &Watched{
		dir:   dir,
		log:   log,
		tasks: list,
		done:  make(chan struct{}),
	}
	if !watch {
		close(w.done)
		return w, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("task directory watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch task directory %s: %w", dir, err)
	}
	w.watcher = watcher
	go w.watch()

	log.InfoContext(ctx, "watching task directory", "dir", dir, "tasks", len(list))
	return w, nil
}

// Lookup implements Registry.
func (w *Watched) Lookup(identifier string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tasks.Lookup(identifier)
}

// Names implements Registry.
func (w *Watched) Names() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tasks.Names()
}

// Release stops watching the directory. The registry keeps serving the last
// loaded tasks. Calling Release more than once is harmless.
func (w *Watched) Release(ctx context.Context) error {
	var err error
	w.once.Do(func() {
		if w.watcher != nil {
			err = w.watcher.Close()
		}
	})
	select {
	case <-w.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (w *Watched) watch() {
	defer close(w.done)

	var reload <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// Chmod matters too: toggling +x adds or removes a task.
			w.log.Debug("task directory changed", "path", ev.Name, "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			reload = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("task directory watch error", "dir", w.dir, "error", err)
		case <-reload:
			reload = nil
			w.rescan()
		}
	}
}

func (w *Watched) rescan() {
	list, err := scan(w.dir)
	if err != nil {
		// Keep serving the previous tasks; a half-written deploy should not
		// take every handler away.
		w.log.Error("reload task directory", "dir", w.dir, "error", err)
		return
	}
	w.mu.Lock()
	w.tasks = list
	w.mu.Unlock()
	w.log.Info("task directory reloaded", "dir", w.dir, "tasks", len(list))
}

// scan maps identifier → handler for every executable regular file in dir.
// Hidden files are ignored. Two files resolving to the same identifier are an
// error.
func scan(dir string) (TaskList, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read task directory: %w", err)
	}

	list := make(TaskList)
	sources := make(map[string]string)
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue // removed between ReadDir and Info
			}
			return nil, fmt.Errorf("stat task %s: %w", name, err)
		}
		if !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
			continue
		}

		identifier := strings.TrimSuffix(name, filepath.Ext(name))
		if identifier == "" || len(identifier) > maxIdentifierLen {
			return nil, fmt.Errorf("task file %s: invalid task identifier %q", name, identifier)
		}
		if prev, ok := sources[identifier]; ok {
			return nil, fmt.Errorf("task %q defined by both %s and %s", identifier, prev, name)
		}
		sources[identifier] = name
		list[identifier] = execHandler(filepath.Join(dir, name))
	}
	return list, nil
}

func execHandler(path string) Handler {
	return func(ctx context.Context, job Job) error {
		cmd := exec.CommandContext(ctx, path)
		cmd.Stdin = bytes.NewReader(job.Payload)
		cmd.Env = append(os.Environ(),
			"PGWORKER_JOB_ID="+strconv.FormatInt(job.ID, 10),
			"PGWORKER_TASK="+job.Identifier,
			"PGWORKER_ATTEMPTS="+strconv.Itoa(int(job.Attempts)),
		)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		isolate(cmd)
		// A descendant that escaped the kill may still hold stderr open.
		cmd.WaitDelay = killWaitDelay

		if err := cmd.Run(); err != nil {
			msg := strings.TrimSpace(tail(stderr.Bytes(), stderrTail))
			if msg == "" {
				return fmt.Errorf("run %s: %w", filepath.Base(path), err)
			}
			return fmt.Errorf("run %s: %w: %s", filepath.Base(path), err, msg)
		}
		return nil
	}
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
