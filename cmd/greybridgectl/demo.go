package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"greybridge/dispatcher"
	"greybridge/distant"
	"greybridge/handles"
	"greybridge/idle"
	"greybridge/mainthread"
	"greybridge/value"
)

// mailbox is a small stand-in application: one window listing messages. All
// of its objects belong to the main thread.
type mailbox struct {
	loop       *mainthread.Loop
	bundleID   string
	animations idle.Counter
	fast       atomic.Bool
	window     *window
}

type window struct {
	title    string
	messages []*mail
	selected int
}

type mail struct {
	subject string
	from    string
	read    bool
}

type indexError struct {
	index, length int
}

func (e indexError) Error() string {
	return fmt.Sprintf("index %d out of bounds for length %d", e.index, e.length)
}

func (indexError) Named() string { return "IndexOutOfBounds" }

func newMailbox(loop *mainthread.Loop, bundleID string) *mailbox {
	return &mailbox{
		loop:     loop,
		bundleID: bundleID,
		window: &window{
			title:    "Inbox",
			selected: -1,
			messages: []*mail{
				{subject: "Welcome", from: "team@example.com"},
				{subject: "Build failed", from: "ci@example.com"},
				{subject: "Lunch?", from: "sam@example.com"},
			},
		},
	}
}

// animationSpeedup divides every animation while fast animation is enabled.
const animationSpeedup = 10

// animate marks the UI busy for d, the way a selection highlight would.
func (m *mailbox) animate(d time.Duration) {
	d = m.animationDuration(d)
	m.animations.Begin()
	time.AfterFunc(d, func() {
		if err := m.loop.Post(func(context.Context) { m.animations.Done() }); err != nil {
			m.animations.Done()
		}
	})
}

func (m *mailbox) animationDuration(d time.Duration) time.Duration {
	if m.fast.Load() {
		return d / animationSpeedup
	}
	return d
}

func mainAffine(class string) []handles.ExportOption {
	return []handles.ExportOption{handles.WithClass(class), handles.WithAffinity(handles.AffinityMain)}
}

func (m *mailbox) classes() (*dispatcher.Table, error) {
	t := dispatcher.NewTable()
	for _, name := range []string{"Application", "Window", "Message"} {
		spec := dispatcher.ClassSpec{Affinity: handles.AffinityMain}
		if name == "Application" {
			spec.Singleton = m
		}
		if err := t.RegisterClass(name, spec); err != nil {
			return nil, err
		}
	}

	reg := []error{
		dispatcher.Method(t, "Application", "KeyWindow", func(ctx context.Context, m *mailbox, args dispatcher.Args) (value.Value, error) {
			return args.Export(m.window, mainAffine("Window")...)
		}),
		dispatcher.Method(t, "Application", "Echo", func(ctx context.Context, m *mailbox, args dispatcher.Args) (value.Value, error) {
			return args.Value(0), nil
		}),
		dispatcher.Method(t, "Application", "BundleID", func(ctx context.Context, m *mailbox, args dispatcher.Args) (value.Value, error) {
			return value.String(m.bundleID), nil
		}),
		dispatcher.Method(t, "Application", "EnableFastAnimation", func(ctx context.Context, m *mailbox, args dispatcher.Args) (value.Value, error) {
			m.fast.Store(true)
			return value.Null(), nil
		}),
		dispatcher.Method(t, "Application", "DisableFastAnimation", func(ctx context.Context, m *mailbox, args dispatcher.Args) (value.Value, error) {
			m.fast.Store(false)
			return value.Null(), nil
		}),
		dispatcher.Method(t, "Window", "Title", func(ctx context.Context, w *window, args dispatcher.Args) (value.Value, error) {
			return value.String(w.title), nil
		}),
		dispatcher.Method(t, "Window", "Count", func(ctx context.Context, w *window, args dispatcher.Args) (value.Value, error) {
			return value.Int(int64(len(w.messages))), nil
		}),
		dispatcher.Method(t, "Window", "Message", func(ctx context.Context, w *window, args dispatcher.Args) (value.Value, error) {
			i, err := args.Int(0)
			if err != nil {
				return value.Value{}, err
			}
			if i < 0 || int(i) >= len(w.messages) {
				return value.Value{}, indexError{index: int(i), length: len(w.messages)}
			}
			return args.Export(w.messages[i], mainAffine("Message")...)
		}),
		dispatcher.Method(t, "Window", "Select", func(ctx context.Context, w *window, args dispatcher.Args) (value.Value, error) {
			i, err := args.Int(0)
			if err != nil {
				return value.Value{}, err
			}
			if i < 0 || int(i) >= len(w.messages) {
				return value.Value{}, indexError{index: int(i), length: len(w.messages)}
			}
			w.selected = int(i)
			w.messages[i].read = true
			m.animate(250 * time.Millisecond)
			return value.Null(), nil
		}),
		// Each calls back into the test process once per message.
		dispatcher.Method(t, "Window", "Each", func(ctx context.Context, w *window, args dispatcher.Args) (value.Value, error) {
			fn, err := args.Proxy(0)
			if err != nil {
				return value.Value{}, err
			}
			visitor := fn.(*distant.Proxy)
			for i, msg := range w.messages {
				if _, err := visitor.Invoke(ctx, "Visit", i, msg.subject); err != nil {
					return value.Value{}, err
				}
			}
			return value.Int(int64(len(w.messages))), nil
		}),
		dispatcher.Method(t, "Message", "Subject", func(ctx context.Context, msg *mail, args dispatcher.Args) (value.Value, error) {
			return value.String(msg.subject), nil
		}),
		dispatcher.Method(t, "Message", "Summary", func(ctx context.Context, msg *mail, args dispatcher.Args) (value.Value, error) {
			return value.Struct(
				value.F("subject", value.String(msg.subject)),
				value.F("from", value.String(msg.from)),
				value.F("read", value.Bool(msg.read)),
			), nil
		}),
	}
	for _, err := range reg {
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}
