package logviewer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// recordHandler turns slog records into entries and passes them to emit.
// It backs both the hub handler and the shipper handler.
type recordHandler struct {
	source string
	level  slog.Leveler
	attrs  []slog.Attr
	group  string
	emit   func(Entry)
}

func (h *recordHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *recordHandler) Handle(_ context.Context, r slog.Record) error {
	e := Entry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Source:  h.source,
		Message: r.Message,
	}

	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	if len(h.attrs) > 0 || r.NumAttrs() > 0 {
		e.Attrs = make(map[string]any, len(h.attrs)+r.NumAttrs())
		for _, a := range h.attrs {
			addAttr(e.Attrs, "", a)
		}

		r.Attrs(func(a slog.Attr) bool {
			addAttr(e.Attrs, h.group, a)
			return true
		})
	}

	h.emit(e)

	return nil
}

func (h *recordHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	c := *h
	c.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	c.attrs = append(c.attrs, h.attrs...)

	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}

		c.attrs = append(c.attrs, a)
	}

	return &c
}

func (h *recordHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	c := *h
	if c.group == "" {
		c.group = name
	} else {
		c.group = c.group + "." + name
	}

	return &c
}

// addAttr flattens a into m using dotted keys for groups.
func addAttr(m map[string]any, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}

	if a.Value.Kind() == slog.KindGroup {
		// An inline group has an empty key.
		if a.Key == "" {
			key = prefix
		}

		for _, ga := range a.Value.Group() {
			addAttr(m, key, ga)
		}

		return
	}

	m[strings.TrimPrefix(key, ".")] = attrValue(a.Value)
}

// attrValue converts v to something that encodes to stable JSON.
func attrValue(v slog.Value) any {
	switch v.Kind() {
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}

		return fmt.Sprint(v.Any())
	default:
		return v.Any()
	}
}

// Handler returns a slog.Handler that publishes records at or above
// level to the hub, tagged with source.
func (h *Hub) Handler(source string, level slog.Leveler) slog.Handler {
	if level == nil {
		level = slog.LevelDebug
	}

	return &recordHandler{source: source, level: level, emit: h.Publish}
}
