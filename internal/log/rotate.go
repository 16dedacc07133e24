package log

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// RotatingFile is an io.Writer bounded by size. Once a write would grow the
// active file past MaxSize, the file is archived as name.1.ext, older archives
// shift by one, and anything beyond MaxFiles archives is discarded. The
// triggering write goes to the fresh active file.
//
// Writes are serialized, so a record is never split between files and
// concurrent writers can't observe a half-done rotation.
type RotatingFile struct {
	mx       sync.Mutex
	path     string
	maxSize  int64
	maxFiles int
	buffered bool
	onRotate func()

	file *os.File
	buf  *bufio.Writer
	size int64
}

type RotateOptions struct {
	// MaxSize in bytes, 0 disables rotation.
	MaxSize  int64
	MaxFiles int
	// Buffered keeps records in memory until Flush, Close or a rotation.
	Buffered bool
	// OnRotate is called after every successful rotation.
	OnRotate func()
}

// OpenRotatingFile opens or creates path for appending, creating missing
// directories.
func OpenRotatingFile(path string, opts RotateOptions) (*RotatingFile, error) {
	if path == "" {
		return nil, errors.New("empty log file path")
	}
	if opts.MaxFiles < 0 {
		opts.MaxFiles = 0
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f := &RotatingFile{
		path:     path,
		maxSize:  opts.MaxSize,
		maxFiles: opts.MaxFiles,
		buffered: opts.Buffered,
		onRotate: opts.OnRotate,
	}
	if err := f.open(os.O_APPEND); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *RotatingFile) open(mode int) error {
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|mode, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	f.file = file
	f.size = info.Size()
	f.buf = nil
	if f.buffered {
		f.buf = bufio.NewWriterSize(file, 32*1024)
	}
	return nil
}

// Path returns the path of the active file.
func (f *RotatingFile) Path() string {
	return f.path
}

func (f *RotatingFile) Write(p []byte) (int, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.file == nil {
		return 0, fs.ErrClosed
	}

	if f.maxSize > 0 && f.size > 0 && f.size+int64(len(p)) > f.maxSize {
		if err := f.rotate(); err != nil {
			if f.file == nil {
				return 0, err
			}
			// the record still goes to the reopened file
			_, _ = fmt.Fprintf(os.Stderr, "log rotation: %v\n", err)
		}
	}

	var n int
	var err error
	if f.buf != nil {
		n, err = f.buf.Write(p)
	} else {
		n, err = f.file.Write(p)
	}
	f.size += int64(n)
	return n, err
}

// Flush writes buffered records to the operating system.
func (f *RotatingFile) Flush() error {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.flush()
}

func (f *RotatingFile) flush() error {
	if f.buf == nil {
		return nil
	}
	return f.buf.Flush()
}

func (f *RotatingFile) Close() error {
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.file == nil {
		return nil
	}
	err := errors.Join(f.flush(), f.file.Sync(), f.file.Close())
	f.file = nil
	f.buf = nil
	return err
}

func (f *RotatingFile) rotate() error {
	if err := errors.Join(f.flush(), f.file.Close()); err != nil {
		// keep logging into the current file
		if oerr := f.open(os.O_APPEND); oerr != nil {
			return errors.Join(err, oerr)
		}
		return fmt.Errorf("closing log file for rotation: %w", err)
	}
	f.file = nil

	var errs []error
	archived := f.maxFiles == 0
	for i := f.maxFiles; i > 0; i-- {
		src := ArchiveName(f.path, i-1)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := ArchiveName(f.path, i)
		if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		if err := os.Rename(src, dst); err != nil {
			errs = append(errs, err)
			continue
		}
		if i == 1 {
			archived = true
		}
	}

	// a failed archive of the active file must not truncate it
	mode := os.O_TRUNC
	if !archived {
		mode = os.O_APPEND
	}
	if err := f.open(mode); err != nil {
		errs = append(errs, err)
		return errors.Join(errs...)
	}
	if len(errs) > 0 {
		return fmt.Errorf("rotating %s: %w", f.path, errors.Join(errs...))
	}
	if f.onRotate != nil {
		f.onRotate()
	}
	return nil
}

// ArchiveName returns the path of the i-th archive of path. The active file
// is index 0: ArchiveName("logs/app.log", 2) is "logs/app.2.log".
func ArchiveName(path string, i int) string {
	if i == 0 {
		return path
	}
	dir, base := filepath.Split(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem, ext = base, ""
	}
	return filepath.Join(dir, stem+"."+strconv.Itoa(i)+ext)
}
