package sink

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/netopslab/noderun/internal/lg"
	"github.com/netopslab/noderun/pkg/session"
)

// File writes one plain-text log per node under dir, named
// <node>_<timestamp>.txt, and can archive the whole run into a zip.
type File struct {
	dir   string
	stamp string
	log   lg.Logger

	mu    sync.Mutex
	files map[string]*os.File
}

func NewFile(dir string, logger lg.Logger) (*File, error) {
	if logger == nil {
		logger = lg.Discard
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create output dir %s: %w", dir, err)
	}
	return &File{
		dir:   dir,
		stamp: time.Now().Format("20060102_150405"),
		log:   logger,
		files: make(map[string]*os.File),
	}, nil
}

func (f *File) RecordCommand(res session.CommandResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := f.file(res.NodeID)
	if w == nil {
		return
	}
	fmt.Fprintf(w, "\n>>> Executing command: %s\n", res.Command)
	io.WriteString(w, res.Output)
	if res.Status != session.StatusOK {
		fmt.Fprintf(w, "\n*** %s: %s ***\n", strings.ToUpper(string(res.Status)), res.Error)
	}
}

func (f *File) RecordOutcome(out session.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := f.file(out.NodeID)
	if w == nil {
		return
	}
	fmt.Fprintf(w, "\n--- Session ended: %s (cycles completed: %d) ---\n", out.Final, out.CyclesCompleted)
	if out.Reason != "" {
		fmt.Fprintf(w, "--- Reason: %s ---\n", out.Reason)
	}
}

// file lazily opens the per-node log. Open failures are logged once and
// the node's events are dropped; a broken log disk must not fail the run.
func (f *File) file(nodeID string) *os.File {
	w, ok := f.files[nodeID]
	if ok {
		return w
	}
	path := filepath.Join(f.dir, fmt.Sprintf("%s_%s.txt", nodeID, f.stamp))
	w, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		f.log.Error("cannot open node log", lg.String("node", nodeID), lg.Err(err))
		w = nil
	}
	f.files[nodeID] = w
	return w
}

// Paths lists the node log files written so far, sorted by node.
func (f *File) Paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var paths []string
	for _, w := range f.files {
		if w != nil {
			paths = append(paths, w.Name())
		}
	}
	sort.Strings(paths)
	return paths
}

// Close flushes and closes every node log.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var first error
	for _, w := range f.files {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	f.files = make(map[string]*os.File)
	return first
}

// Archive bundles every written node log into command_output_<stamp>.zip
// inside the output directory and returns the archive path. Call after
// Close.
func (f *File) Archive() (string, error) {
	paths := f.pathsOnDisk()
	if len(paths) == 0 {
		return "", fmt.Errorf("no log files to archive")
	}
	zipPath := filepath.Join(f.dir, fmt.Sprintf("command_output_%s.zip", f.stamp))
	zf, err := os.Create(zipPath)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	defer zf.Close()

	zw := zip.NewWriter(zf)
	for _, path := range paths {
		if err := addToZip(zw, path); err != nil {
			zw.Close()
			return "", err
		}
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("finalize archive: %w", err)
	}
	return zipPath, nil
}

func (f *File) pathsOnDisk() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	matches, _ := filepath.Glob(filepath.Join(f.dir, fmt.Sprintf("*_%s.txt", f.stamp)))
	sort.Strings(matches)
	return matches
}

func addToZip(zw *zip.Writer, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer src.Close()
	dst, err := zw.Create(filepath.Base(path))
	if err != nil {
		return fmt.Errorf("add %s to archive: %w", path, err)
	}
	_, err = io.Copy(dst, src)
	return err
}
