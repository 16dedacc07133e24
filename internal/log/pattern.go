package log

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
)

// WorkerKey is the attribute rendered by the %t pattern flag. Goroutines have
// no identity, so the worker id stands in for the thread id of a record.
const WorkerKey = "worker"

// Pattern flags, compatible with the spdlog subset below:
//
//	%Y %m %d %H %M %S  date and time fields
//	%e                 milliseconds
//	%f                 microseconds
//	%l                 level (trace, debug, info, warning, error, critical)
//	%L                 short level (T, D, I, W, E, C)
//	%v                 message
//	%t                 worker id or "main"
//	%P                 process id
//	%n                 logger name
//	%^ %$              start and end of the colored range
//	%%                 percent sign
//
// Record attributes are appended as key=value pairs after the pattern.
type token struct {
	verb    byte
	literal string
}

func parsePattern(pattern string) []token {
	var tokens []token
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			tokens = append(tokens, token{literal: lit.String()})
			lit.Reset()
		}
	}
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c != '%' || i == len(pattern)-1 {
			lit.WriteByte(c)
			continue
		}
		i++
		switch v := pattern[i]; v {
		case '%':
			lit.WriteByte('%')
		case 'Y', 'm', 'd', 'H', 'M', 'S', 'e', 'f', 'l', 'L', 'v', 't', 'P', 'n', '^', '$':
			flush()
			tokens = append(tokens, token{verb: v})
		default:
			lit.WriteByte('%')
			lit.WriteByte(v)
		}
	}
	flush()
	return tokens
}

func (p *PatternHandler) uses(verb byte) bool {
	for _, t := range p.tokens {
		if t.verb == verb {
			return true
		}
	}
	return false
}

// PatternHandler is a slog.Handler writing one line per record, formatted by
// a spdlog style pattern. Each record is written by a single Write call.
type PatternHandler struct {
	w          io.Writer
	mx         *sync.Mutex
	level      slog.Leveler
	tokens     []token
	name       string
	color      bool
	flushLevel slog.Level
	attrs      []slog.Attr
	groups     []string
	pid        string
}

// HandlerOptions configures a PatternHandler.
type HandlerOptions struct {
	Level   slog.Leveler
	Pattern string
	Name    string
	// Color enables ANSI colors inside the %^ %$ range.
	Color bool
	// FlushLevel: records at or above it flush the writer, when it buffers.
	FlushLevel slog.Level
}

func NewPatternHandler(w io.Writer, opts HandlerOptions) *PatternHandler {
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}
	if opts.Pattern == "" {
		opts.Pattern = "[%Y-%m-%d %H:%M:%S.%e] [%l] %v"
	}
	return &PatternHandler{
		w:          w,
		mx:         &sync.Mutex{},
		level:      opts.Level,
		tokens:     parsePattern(opts.Pattern),
		name:       opts.Name,
		color:      opts.Color,
		flushLevel: opts.FlushLevel,
		pid:        strconv.Itoa(os.Getpid()),
	}
}

func (p *PatternHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= p.level.Level()
}

func (p *PatternHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return p
	}
	c := *p
	prefix := strings.Join(p.groups, ".")
	c.attrs = append(p.attrs[:len(p.attrs):len(p.attrs)], qualify(prefix, attrs)...)
	return &c
}

func (p *PatternHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return p
	}
	c := *p
	c.groups = append(p.groups[:len(p.groups):len(p.groups)], name)
	return &c
}

func qualify(prefix string, attrs []slog.Attr) []slog.Attr {
	if prefix == "" {
		return attrs
	}
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = slog.Attr{Key: prefix + "." + a.Key, Value: a.Value}
	}
	return out
}

func (p *PatternHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make([]slog.Attr, 0, len(p.attrs)+r.NumAttrs())
	attrs = append(attrs, p.attrs...)
	prefix := strings.Join(p.groups, ".")
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, qualify(prefix, []slog.Attr{a})...)
		return true
	})

	worker := "main"
	skipWorker := p.uses('t')
	for _, a := range attrs {
		if a.Key == WorkerKey {
			worker = a.Value.Resolve().String()
		}
	}

	var buf bytes.Buffer
	t := r.Time
	lvl := LevelName(r.Level)
	for _, tok := range p.tokens {
		switch tok.verb {
		case 0:
			buf.WriteString(tok.literal)
		case 'Y':
			pad(&buf, t.Year(), 4)
		case 'm':
			pad(&buf, int(t.Month()), 2)
		case 'd':
			pad(&buf, t.Day(), 2)
		case 'H':
			pad(&buf, t.Hour(), 2)
		case 'M':
			pad(&buf, t.Minute(), 2)
		case 'S':
			pad(&buf, t.Second(), 2)
		case 'e':
			pad(&buf, t.Nanosecond()/1e6, 3)
		case 'f':
			pad(&buf, t.Nanosecond()/1e3, 6)
		case 'l':
			buf.WriteString(lvl)
		case 'L':
			buf.WriteString(LevelShortName(r.Level))
		case 'v':
			buf.WriteString(r.Message)
		case 't':
			buf.WriteString(worker)
		case 'P':
			buf.WriteString(p.pid)
		case 'n':
			buf.WriteString(p.name)
		case '^':
			if p.color {
				buf.WriteString(levelColors[lvl])
			}
		case '$':
			if p.color {
				buf.WriteString(colorReset)
			}
		}
	}

	for _, a := range attrs {
		if skipWorker && a.Key == WorkerKey {
			continue
		}
		writeAttr(&buf, "", a)
	}
	buf.WriteByte('\n')

	p.mx.Lock()
	defer p.mx.Unlock()
	if _, err := p.w.Write(buf.Bytes()); err != nil {
		return err
	}
	if f, ok := p.w.(interface{ Flush() error }); ok && r.Level >= p.flushLevel {
		return f.Flush()
	}
	return nil
}

func writeAttr(buf *bytes.Buffer, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	switch {
	case prefix != "" && key == "":
		key = prefix
	case prefix != "":
		key = prefix + "." + key
	}
	if v.Kind() == slog.KindGroup {
		for _, ga := range v.Group() {
			writeAttr(buf, key, ga)
		}
		return
	}
	buf.WriteByte(' ')
	buf.WriteString(key)
	buf.WriteByte('=')
	s := v.String()
	if needsQuoting(s) {
		buf.WriteString(strconv.Quote(s))
	} else {
		buf.WriteString(s)
	}
}

func needsQuoting(s string) bool {
	if s == "" {
		return true
	}
	for _, r := range s {
		if r <= ' ' || r == '=' || r == '"' || r > '~' {
			return true
		}
	}
	return false
}

func pad(buf *bytes.Buffer, n, width int) {
	s := strconv.Itoa(n)
	for i := len(s); i < width; i++ {
		buf.WriteByte('0')
	}
	buf.WriteString(s)
}
