// Package log provides logging output for the root task.
package log

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"
	"time"
)

var (
	// DefaultLogger returns the default, global logger. During application startup components can
	// call DefaultLogger and cache the result. The default will not change at runtime.
	DefaultLogger = func() *Logger { return NewFormattedLogger(os.Stderr) }

	// SetDefault overrides the default logger.
	SetDefault = slog.SetDefault

	// LogLevel is a variable holding the log level. It can be changed at runtime.
	LogLevel = &slog.LevelVar{}
)

// NewFormattedLogger returns a logger that uses a Handler to format and write logs to a Writer.
func NewFormattedLogger(out io.Writer) *Logger {
	handler := NewHandler(out)
	return slog.New(handler)
}

// Handler implements slog.Handler to produce one formatted line per record.
//
// The root task logs far more often, and far more densely, than an
// interactive session ever does: a syscall dispatch, an IRQ delivery or a
// frame allocation each emit a record, and most of those records carry a
// badge, a CPtr or a virtual address rather than prose. A one-line-per-field
// block would scroll a single syscall trace off the screen, so Handle packs
// a record onto one line and appendAttr renders any key that looks like a
// capability address in hex instead of slog's default decimal %v.
type Handler struct {
	mut *sync.Mutex // Synchronizes writer.
	out io.Writer

	opts  *slog.HandlerOptions
	group string
	attrs []Attr
}

// Options for log handlers.
var Options = &slog.HandlerOptions{
	AddSource:   true,
	Level:       LogLevel,
	ReplaceAttr: func(_ []string, attr Attr) Attr { return attr },
}

// NewHandler creates and initializes a Handler with a writer.
func NewHandler(out io.Writer) *Handler {
	h := Handler{
		out:  out,
		mut:  new(sync.Mutex),
		opts: Options,
	}

	return &h
}

// Enabled returns true if the level is greater than the current logging level.
func (h *Handler) Enabled(ctx context.Context, level Level) bool {
	return level >= h.opts.Level.Level()
}

// hexKeys names the attribute keys that hold a capability address, a CPtr or
// a virtual/physical address rather than an ordinary count, so appendAttr
// can render them in hex. Grounded in the keys actually passed to the
// logger around the tree: badge (irq, elfloader, sos), entry and sp
// (elfloader), root_cnode (bootstrap), vaddr (frametable).
var hexKeys = map[string]bool{
	"badge":      true,
	"entry":      true,
	"sp":         true,
	"pc":         true,
	"vaddr":      true,
	"paddr":      true,
	"paddr_low":  true,
	"paddr_high": true,
	"root_cnode": true,
	"cptr":       true,
	"cnode":      true,
}

// isHexKey reports whether key should render in hex, matching hexKeys
// exactly or by a _cptr/_cnode/_addr suffix for scoped variants such as
// "dest_cptr" or "src_cnode".
func isHexKey(key string) bool {
	lower := strings.ToLower(key)
	if hexKeys[lower] {
		return true
	}

	for _, suffix := range []string{"_cptr", "_cnode", "_addr", "addr"} {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}

	return false
}

// Handle formats a record onto a single line: level, source, message, then
// every attribute in order. See the [slog handler guide] for the handler
// contract this keeps.
//
// [slog handler guide]: https://github.com/golang/example/tree/d9923f6970e9ba7e0d23aa9448ead71ea57235ae/slog-handler-guide
func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	buf := make([]byte, 0, 512)
	out := bytes.NewBuffer(buf)

	if !rec.Time.IsZero() {
		fmt.Fprintf(out, "%s ", rec.Time.Format(time.RFC3339Nano))
	}

	fmt.Fprintf(out, "%-5s ", rec.Level.String())

	if h.opts.AddSource && rec.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{rec.PC})
		f, _ := frames.Next()
		_, file := path.Split(f.File)

		fn := f.Function
		if f.Func != nil {
			splits := strings.Split(fn, "/")
			fn = splits[len(splits)-1]
		}

		fmt.Fprintf(out, "%s:%d[%s] ", file, f.Line, fn)
	}

	fmt.Fprintf(out, "%s", rec.Message)

	for _, a := range h.attrs {
		if err := h.appendAttr(out, a); err != nil {
			panic(err)
		}
	}

	rec.Attrs(func(attr Attr) bool {
		if err := h.appendAttr(out, attr); err != nil {
			panic(err)
		}
		return true
	})

	fmt.Fprintln(out)

	h.mut.Lock()
	defer h.mut.Unlock()

	_, err := h.out.Write(out.Bytes())

	return err
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	attrs := make([]Attr, len(h.attrs))
	copy(attrs, h.attrs)

	return &Handler{
		mut:   h.mut,
		out:   h.out,
		opts:  h.opts,
		attrs: attrs,
		group: name,
	}
}

// WithAttrs returns a new handler that combines the handler's attributes and those in the argument.
func (h *Handler) WithAttrs(attrs []Attr) slog.Handler {
	as := make([]Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(as, h.attrs)
	as = append(as, attrs...)

	return &Handler{
		out:   h.out,
		mut:   h.mut,
		opts:  h.opts,
		attrs: as,
	}
}

// appendAttr renders " key=value" onto out, recursing into groups and
// prefixing the group name onto nested keys (e.g. "fault.label"). Keys
// recognized by isHexKey render their value in hex rather than slog's
// default decimal formatting, since most of this tree's attributes are
// capability addresses rather than counts.
func (h *Handler) appendAttr(out io.Writer, attr slog.Attr) error {
	attr.Value = attr.Value.Resolve()
	attr = h.opts.ReplaceAttr([]string{h.group}, attr)

	if attr.Equal(Attr{}) {
		return nil
	}

	key := attr.Key
	if h.group != "" {
		key = h.group + "." + key
	}

	if attr.Value.Kind() == slog.KindGroup {
		savedGroup := h.group
		if attr.Key != "" {
			h.group = key
		}

		for _, a := range attr.Value.Group() {
			if err := h.appendAttr(out, a); err != nil {
				h.group = savedGroup
				return err
			}
		}

		h.group = savedGroup

		return nil
	}

	var rendered string
	if isHexKey(attr.Key) {
		rendered = hexValue(attr.Value)
	} else {
		rendered = attr.Value.String()
	}

	_, err := fmt.Fprintf(out, " %s=%s", key, rendered)

	return err
}

// hexValue renders an address-shaped attribute value in hex, falling back
// to the default string form for values that are not an integer kind (e.g.
// a badge passed as a formatted string already carries its own "0x...").
func hexValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindInt64:
		return fmt.Sprintf("%#x", v.Int64())
	case slog.KindUint64:
		return fmt.Sprintf("%#x", v.Uint64())
	default:
		return v.String()
	}
}

type Loggable interface {
	WithLogger(*Logger)
}

type (
	Attr   = slog.Attr
	Level  = slog.Level
	Logger = slog.Logger
	Value  = slog.Value
)

var (
	String      = slog.String
	StringValue = slog.StringValue
	Group       = slog.Group
	GroupValue  = slog.GroupValue
	Any         = slog.Any
	AnyValue    = slog.AnyValue
)

const (
	Debug = slog.LevelDebug
	Info  = slog.LevelInfo
	Warn  = slog.LevelWarn
	Error = slog.LevelError
)
