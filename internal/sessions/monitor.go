package sessions

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/joescharf/ballot/internal/completion"
	"github.com/joescharf/ballot/internal/models"
)

// fsDebounce coalesces bursts of file events into one poll.
const fsDebounce = 200 * time.Millisecond

// monitorHandle lets cleanup stop a monitor and wait for it to exit.
type monitorHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *Registry) startMonitor(e *entry) {
	ctx, cancel := context.WithCancel(e.ctx)
	h := &monitorHandle{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.monitor = h
	e.mu.Unlock()

	go r.runMonitor(ctx, e, h)
}

// stopMonitor cancels the session's monitor, if any, and waits for it.
func (r *Registry) stopMonitor(e *entry) {
	e.mu.Lock()
	h := e.monitor
	e.mu.Unlock()
	if h == nil {
		return
	}
	h.cancel()
	<-h.done
}

func (r *Registry) runMonitor(ctx context.Context, e *entry, h *monitorHandle) {
	defer close(h.done)
	defer h.cancel()
	defer func() {
		e.mu.Lock()
		if e.monitor == h {
			e.monitor = nil
		}
		e.mu.Unlock()
	}()

	e.mu.Lock()
	sid := e.session.ID
	e.mu.Unlock()
	log := r.log.With(zap.String("session", sid))

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if r.cfg.WatchFiles {
		if w := r.watch(e, log); w != nil {
			defer w.Close()
			events, watchErrs = w.Events, w.Errors
		}
	}

	ticker := time.NewTicker(r.cfg.MonitorInterval)
	defer ticker.Stop()
	var debounce <-chan time.Time

	for {
		done, gone := r.poll(e, log)
		if gone {
			return
		}
		if done {
			r.endOfSession(ctx, e, log)
			return
		}

		// File events and watch errors only arm the debounce; a poll
		// follows a tick, a wake or the debounce firing.
	wait:
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				break wait
			case <-e.wake:
				break wait
			case <-debounce:
				debounce = nil
				break wait
			case ev, ok := <-events:
				if !ok {
					events = nil
				} else if isCompletionFile(ev.Name) && debounce == nil {
					debounce = time.After(fsDebounce)
				}
			case err, ok := <-watchErrs:
				if !ok {
					watchErrs = nil
				} else {
					log.Debug("file watch error", zap.Error(err))
				}
			}
		}
	}
}

// watch returns a watcher on every variant worktree, or nil when watching is
// unavailable. Polling remains the source of truth either way.
func (r *Registry) watch(e *entry, log *zap.Logger) *fsnotify.Watcher {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Debug("file watching disabled", zap.Error(err))
		return nil
	}
	e.mu.Lock()
	paths := make([]string, 0, len(e.session.Variants))
	for _, v := range e.session.Variants {
		paths = append(paths, v.WorktreePath)
	}
	e.mu.Unlock()

	for _, p := range paths {
		if err := w.Add(p); err != nil {
			log.Debug("watch worktree", zap.String("path", p), zap.Error(err))
		}
	}
	return w
}

func isCompletionFile(name string) bool {
	base := filepath.Base(name)
	return base == completion.LogFileName || base == completion.MarkerFileName
}

type pollTarget struct {
	id      string
	path    string
	signals models.Signals
}

// poll reads the completion source for every pending variant and folds the
// results in. It reports whether all variants are complete and whether the
// session has been deregistered.
func (r *Registry) poll(e *entry, log *zap.Logger) (done, gone bool) {
	e.mu.Lock()
	if e.gone {
		e.mu.Unlock()
		return false, true
	}
	var targets []pollTarget
	for _, v := range e.session.Variants {
		if !v.Completed() {
			targets = append(targets, pollTarget{id: v.ID, path: v.WorktreePath, signals: v.Signals})
		}
	}
	e.mu.Unlock()

	observed := make(map[string]models.Signals, len(targets))
	for _, t := range targets {
		sig, err := completion.Observe(e.source, t.path, t.signals)
		if err != nil {
			log.Warn("completion check failed", zap.String("variant", t.id), zap.Error(err))
			continue
		}
		observed[t.id] = sig
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return false, true
	}
	for id, sig := range observed {
		v := e.session.Variant(id)
		if v == nil || !sig.Marker {
			continue
		}
		r.applySignals(v, models.Signals{Explicit: v.Signals.Explicit, Marker: true})
		log.Info("completion detected", zap.String("variant", id), zap.String("source", e.source.Name()))
	}
	return e.session.AllCompleted(), false
}

// applySignals merges new signals into v. Callers hold e.mu.
func (r *Registry) applySignals(v *models.Variant, sig models.Signals) {
	v.Signals.Explicit = v.Signals.Explicit || sig.Explicit
	v.Signals.Marker = v.Signals.Marker || sig.Marker
	was := v.State
	v.State = completion.Merge(v.State, v.Signals)
	if was != v.State && v.State == models.VariantStateCompleted {
		t := r.now()
		v.CompletedAt = &t
	}
}

// endOfSession runs once when every variant has completed.
func (r *Registry) endOfSession(ctx context.Context, e *entry, log *zap.Logger) {
	e.mu.Lock()
	sid, kind := e.session.ID, e.session.Kind
	e.mu.Unlock()

	if kind == models.SessionKindOrchestrated {
		if !r.cfg.AutoCombine {
			log.Info("all subtasks complete")
			return
		}
		res, err := r.Combine(ctx, sid)
		if err != nil {
			log.Error("auto-combine failed", zap.Error(err))
			return
		}
		log.Info("subtasks combined", zap.Strings("merged", res.Merged))
		return
	}

	ranking, err := r.Rank(ctx, sid, false)
	if err != nil {
		log.Error("rank completed session", zap.Error(err))
		return
	}
	log.Info("all variants complete", zap.String("ranking", ranking.Narrative))

	if !r.cfg.AutoFinalize || ctx.Err() != nil {
		return
	}
	res, err := r.AutoSelectBest(ctx, sid, r.cfg.AutoMerge)
	if err != nil {
		log.Error("auto-finalize failed", zap.Error(err))
		return
	}
	if res.Selected {
		log.Info("auto-finalized", zap.String("winner", res.Finalize.WinnerID))
	}
}
