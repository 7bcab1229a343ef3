// Package monitor implements the monitoring collaborators: discovering the
// metric names a remote file offers and the long-running watcher that
// charts the selected metrics as the file grows.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/guptarohit/asciigraph"

	"github.com/treykane/ssh-bot/internal/appconfig"
	"github.com/treykane/ssh-bot/internal/model"
	"github.com/treykane/ssh-bot/internal/security"
	"github.com/treykane/ssh-bot/internal/tasks"
	"github.com/treykane/ssh-bot/internal/util"
)

// Reader reads a byte range of a remote file. session.Conn satisfies it.
type Reader interface {
	Tail(ctx context.Context, path string, offset, max int64) ([]byte, int64, error)
}

// Notifier delivers task output to the task owner.
type Notifier interface {
	Notify(ctx context.Context, user model.UserID, text string) error
	NotifyChart(ctx context.Context, user model.UserID, chart string) error
}

const (
	// maxConsecutiveFailures ends a task whose file keeps failing to read.
	maxConsecutiveFailures = 3
	// maxCatchUpReads bounds how many chunks one poll reads when behind.
	maxCatchUpReads = 32
	chartHeight     = 10
	chartWidth      = 60
)

// Discover reads the head of path and returns the metric names found in
// it, in first-seen order.
func Discover(ctx context.Context, r Reader, path string, maxBytes int64) ([]string, error) {
	data, _, err := r.Tail(ctx, path, 0, maxBytes)
	if err != nil {
		return nil, err
	}
	p := newParser(path)
	recs := append(p.Feed(data), p.Flush()...)

	seen := make(map[string]struct{})
	var names []string
	for _, rec := range recs {
		for _, f := range rec {
			if _, ok := seen[f.Name]; ok {
				continue
			}
			seen[f.Name] = struct{}{}
			names = append(names, f.Name)
		}
	}
	if len(names) == 0 {
		return nil, security.InputError("No numeric metrics found in " + path + ". Send another path or /cancel")
	}
	return names, nil
}

// Options tune the watcher.
type Options struct {
	Interval      time.Duration
	HistoryPoints int
	MaxReadBytes  int64
}

// OptionsFromConfig maps the monitor section of the config, falling back to
// defaults for unset values.
func OptionsFromConfig(cfg appconfig.MonitorConfig) Options {
	o := Options{
		Interval:      time.Duration(cfg.IntervalSeconds) * time.Second,
		HistoryPoints: cfg.HistoryPoints,
		MaxReadBytes:  cfg.MaxReadBytes,
	}
	if o.Interval <= 0 {
		o.Interval = util.DefaultMonitorIntervalSeconds * time.Second
	}
	if o.HistoryPoints <= 1 {
		o.HistoryPoints = 60
	}
	if o.MaxReadBytes <= 0 {
		o.MaxReadBytes = 1 << 20
	}
	return o
}

// Watcher is the task body for monitoring tasks. One Watcher serves all
// tasks; per-task state lives inside Run.
type Watcher struct {
	opts     Options
	notifier Notifier
	logger   *slog.Logger
}

// NewWatcher returns a Watcher that reports through notifier.
func NewWatcher(opts Options, notifier Notifier, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Watcher{opts: opts, notifier: notifier, logger: logger}
}

// Run polls spec.Path until ctx is cancelled or reading fails
// maxConsecutiveFailures times in a row. It issues no remote operation
// after ctx is done.
func (w *Watcher) Run(ctx context.Context, spec tasks.Spec) error {
	st := &watchState{
		parser: newParser(spec.Path),
		series: make(map[string][]float64),
	}
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		changed, err := w.poll(ctx, spec, st)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			failures++
			w.logger.Warn("monitoring poll failed", "user", spec.Owner.String(), "path", spec.Path, "failures", failures, "error", security.DebugMessage(err))
			if failures >= maxConsecutiveFailures {
				return fmt.Errorf("giving up on %s after %d failed reads: %w", spec.Path, failures, err)
			}
			if failures == 1 {
				msg := fmt.Sprintf("Monitoring %s: %s. Retrying.", spec.Path, security.UserMessage(err, true))
				if nerr := w.notifier.Notify(ctx, spec.Owner, msg); nerr != nil {
					w.logger.Warn("failed to deliver monitoring notice", "user", spec.Owner.String(), "error", nerr)
				}
			}
		} else {
			failures = 0
			if changed {
				w.report(ctx, spec, st)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type watchState struct {
	parser parser
	offset int64
	series map[string][]float64
}

// poll reads everything appended since the last call and reports whether
// new samples arrived.
func (w *Watcher) poll(ctx context.Context, spec tasks.Spec, st *watchState) (bool, error) {
	changed := false
	for i := 0; i < maxCatchUpReads; i++ {
		if ctx.Err() != nil {
			return changed, ctx.Err()
		}
		data, next, err := spec.Conn.Tail(ctx, spec.Path, st.offset, w.opts.MaxReadBytes)
		if err != nil {
			return changed, err
		}
		if next < st.offset {
			// File was truncated or replaced; start over.
			st.parser.Reset()
			st.series = make(map[string][]float64)
			changed = true
		}
		st.offset = next
		for _, rec := range st.parser.Feed(data) {
			for _, f := range rec {
				s := append(st.series[f.Name], f.Value)
				if len(s) > w.opts.HistoryPoints {
					s = s[len(s)-w.opts.HistoryPoints:]
				}
				st.series[f.Name] = s
				changed = true
			}
		}
		if int64(len(data)) < w.opts.MaxReadBytes {
			break
		}
	}
	return changed, nil
}

func (w *Watcher) report(ctx context.Context, spec tasks.Spec, st *watchState) {
	for _, g := range spec.Groups {
		chart := Chart(spec.Path, g, st.series)
		if chart == "" {
			continue
		}
		if err := w.notifier.NotifyChart(ctx, spec.Owner, chart); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Warn("failed to deliver chart", "user", spec.Owner.String(), "error", err)
		}
	}
}

// Chart renders one metric group. It returns "" when none of the group's
// metrics has samples yet.
func Chart(path string, group model.MetricGroup, series map[string][]float64) string {
	var (
		data   [][]float64
		latest []string
	)
	for _, name := range group {
		s := series[name]
		if len(s) == 0 {
			continue
		}
		if len(s) == 1 {
			s = []float64{s[0], s[0]}
		}
		data = append(data, s)
		latest = append(latest, fmt.Sprintf("%s=%g", name, s[len(s)-1]))
	}
	if len(data) == 0 {
		return ""
	}
	caption := path + ": " + strings.Join(latest, ", ")
	return asciigraph.PlotMany(data,
		asciigraph.Height(chartHeight),
		asciigraph.Width(chartWidth),
		asciigraph.Precision(2),
		asciigraph.Caption(caption),
	)
}
