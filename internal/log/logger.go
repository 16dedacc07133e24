package log

import (
	"io"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/term"
)

// Options configures the logging sinks.
type Options struct {
	// Console enables the console sink.
	Console bool
	// Level is the minimum level shared by all sinks, unknown names fall back to info.
	Level string
	// Pattern formats each line, see PatternHandler.
	Pattern string
	// Filename of the rotating file sink, empty disables it.
	Filename string
	// ImmediateFlush writes every record through to the file before Log returns.
	ImmediateFlush bool
	// MaxSize of the active log file in bytes.
	MaxSize  int64
	MaxFiles int
	// Name is written by the %n pattern flag.
	Name string
	// ConsoleWriter defaults to os.Stderr.
	ConsoleWriter io.Writer
	// OnRotate is called after every rotation of the log file.
	OnRotate func()
}

// Logger owns the sinks behind a *slog.Logger.
type Logger struct {
	*slog.Logger
	level slog.Level
	file  *RotatingFile
	once  sync.Once
	err   error
}

// New builds a logger writing to every sink enabled by opts.
func New(opts Options) (*Logger, error) {
	level, known := ParseLevel(opts.Level)

	var handlers fanout
	if opts.Console {
		w := opts.ConsoleWriter
		if w == nil {
			w = os.Stderr
		}
		handlers = append(handlers, NewPatternHandler(w, HandlerOptions{
			Level:   level,
			Pattern: opts.Pattern,
			Name:    opts.Name,
			Color:   isTerminal(w),
		}))
	}

	var file *RotatingFile
	if opts.Filename != "" {
		var err error
		file, err = OpenRotatingFile(opts.Filename, RotateOptions{
			MaxSize:  opts.MaxSize,
			MaxFiles: opts.MaxFiles,
			Buffered: !opts.ImmediateFlush,
			OnRotate: opts.OnRotate,
		})
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, NewPatternHandler(file, HandlerOptions{
			Level:      level,
			Pattern:    opts.Pattern,
			Name:       opts.Name,
			FlushLevel: slog.LevelError,
		}))
	}

	l := &Logger{
		Logger: slog.New(NewContextHandler(handlers)),
		level:  level,
		file:   file,
	}
	if !known {
		l.Warn("unknown log level: using info", "level", opts.Level)
	}
	return l, nil
}

// Init builds the logger and installs it as the slog default.
func Init(opts Options) (*Logger, error) {
	l, err := New(opts)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(l.Logger)
	return l, nil
}

// Level returns the minimum level of the sinks.
func (l *Logger) Level() slog.Level {
	return l.level
}

// Flush writes buffered records of the file sink.
func (l *Logger) Flush() error {
	if l.file == nil {
		return nil
	}
	return l.file.Flush()
}

// Shutdown flushes and closes every sink. It must be the last call on the
// logger; later calls return the first result.
func (l *Logger) Shutdown() error {
	l.once.Do(func() {
		if l.file != nil {
			l.err = l.file.Close()
		}
	})
	return l.err
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
