// File: internal/runner/files.go
package runner

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xops-dev/taskpilot/internal/safety"
)

// pathLocks serializes backup/write sequences per file path so two write
// steps can never interleave partial content.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPathLocks() *pathLocks {
	return &pathLocks{locks: make(map[string]*sync.Mutex)}
}

func (p *pathLocks) lock(path string) func() {
	key := path
	if abs, err := filepath.Abs(path); err == nil {
		key = abs
	}
	p.mu.Lock()
	l, ok := p.locks[key]
	if !ok {
		l = &sync.Mutex{}
		p.locks[key] = l
	}
	p.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// writeFile replaces a file's content, restoring the pre-step snapshot if
// the write faults midway.
func (r *Runner) writeFile(path, content string, backupRefs []string) (string, error) {
	unlock := r.paths.lock(path)
	defer unlock()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create parent directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		r.restoreOnFault(path, backupRefs)
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
}

func (r *Runner) appendFile(path, content string, backupRefs []string) (string, error) {
	unlock := r.paths.lock(path)
	defer unlock()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("open %s for append: %w", path, err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		r.restoreOnFault(path, backupRefs)
		return "", fmt.Errorf("append to %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	return fmt.Sprintf("appended %d bytes to %s", len(content), path), nil
}

// restoreOnFault rolls the file back to its snapshot, if one was taken
// for this path.
func (r *Runner) restoreOnFault(path string, backupRefs []string) {
	for _, ref := range backupRefs {
		if strings.HasPrefix(filepath.Base(ref), filepath.Base(path)+".backup_") {
			if err := safety.RestoreBackup(ref, path); err == nil {
				r.logger.Warn("Write faulted, restored snapshot",
					zap.String("path", path), zap.String("backup", ref))
			}
			return
		}
	}
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func listDirectory(path string) (string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", path, err)
	}
	var b strings.Builder
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		kind := "file"
		if e.IsDir() {
			kind = "dir"
		}
		fmt.Fprintf(&b, "%s\t%s\t%d\n", kind, e.Name(), info.Size())
	}
	return b.String(), nil
}

func findFiles(pattern, root string) (string, error) {
	if root == "" {
		root = "."
	}
	var matches []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if d.IsDir() {
			return nil
		}
		ok, matchErr := filepath.Match(pattern, d.Name())
		if matchErr != nil {
			return matchErr
		}
		if ok {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("find in %s: %w", root, err)
	}
	if len(matches) == 0 {
		return "no files matched", nil
	}
	return strings.Join(matches, "\n"), nil
}

func searchInFiles(query, root string) (string, error) {
	if root == "" {
		root = "."
	}
	var b strings.Builder
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > 1<<20 {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(line, query) {
				fmt.Fprintf(&b, "%s:%d: %s\n", path, i+1, strings.TrimSpace(line))
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("search in %s: %w", root, err)
	}
	if b.Len() == 0 {
		return "no matches found", nil
	}
	return b.String(), nil
}

func fileInfo(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	return fmt.Sprintf("name=%s size=%d mode=%s modified=%s dir=%t",
		info.Name(), info.Size(), info.Mode(), info.ModTime().Format("2006-01-02 15:04:05"), info.IsDir()), nil
}

func copyFile(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	n, err := io.Copy(out, in)
	if err != nil {
		return "", fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return fmt.Sprintf("copied %d bytes to %s", n, dst), nil
}
