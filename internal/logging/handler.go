package logging

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
)

// bufferHandler feeds records into a RingBuffer with their attributes kept
// as fields, so the log view can filter on them.
type bufferHandler struct {
	buf    *RingBuffer
	level  slog.Leveler
	prefix string
	attrs  map[string]string
}

// Handler returns a slog handler that records into r at level and above.
func (r *RingBuffer) Handler(level slog.Leveler) slog.Handler {
	return &bufferHandler{buf: r, level: level}
}

func (h *bufferHandler) Enabled(_ context.Context, l slog.Level) bool {
	return h.level == nil || l >= h.level.Level()
}

func (h *bufferHandler) Handle(_ context.Context, rec slog.Record) error {
	var attrs map[string]string
	if len(h.attrs) > 0 || rec.NumAttrs() > 0 {
		attrs = maps.Clone(h.attrs)
		if attrs == nil {
			attrs = make(map[string]string, rec.NumAttrs())
		}
		rec.Attrs(func(a slog.Attr) bool {
			flatten(attrs, h.prefix, a)
			return true
		})
	}
	h.buf.add(rec.Time, rec.Level.String(), rec.Message, attrs)
	return nil
}

func (h *bufferHandler) WithAttrs(as []slog.Attr) slog.Handler {
	next := *h
	next.attrs = maps.Clone(h.attrs)
	if next.attrs == nil {
		next.attrs = make(map[string]string, len(as))
	}
	for _, a := range as {
		flatten(next.attrs, h.prefix, a)
	}
	return &next
}

func (h *bufferHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = dotted(h.prefix, name)
	return &next
}

// flatten writes a into dst, descending into groups with dotted keys.
func flatten(dst map[string]string, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := dotted(prefix, a.Key)
		for _, ga := range a.Value.Group() {
			flatten(dst, p, ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	dst[dotted(prefix, a.Key)] = a.Value.String()
}

func dotted(prefix, key string) string {
	if prefix == "" {
		return key
	}
	if key == "" {
		return prefix
	}
	return prefix + "." + key
}

// fanout sends each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	return slices.ContainsFunc(f, func(h slog.Handler) bool { return h.Enabled(ctx, l) })
}

func (f fanout) Handle(ctx context.Context, rec slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, rec.Level) {
			errs = append(errs, h.Handle(ctx, rec.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(as []slog.Attr) slog.Handler {
	next := make(fanout, len(f))
	for i, h := range f {
		next[i] = h.WithAttrs(as)
	}
	return next
}

func (f fanout) WithGroup(name string) slog.Handler {
	next := make(fanout, len(f))
	for i, h := range f {
		next[i] = h.WithGroup(name)
	}
	return next
}
