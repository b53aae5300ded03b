package seed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period before a change triggers a reload.
const DefaultDebounce = 200 * time.Millisecond

// Watch reloads the directory whenever a seed file changes. Bursts of
// events are coalesced into one reload after debounce. Watch blocks until
// ctx is done. onReload, when non-nil, receives the result of every reload.
func (l *Loader) Watch(ctx context.Context, debounce time.Duration, onReload func(Stats, error)) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(l.dir); err != nil {
		return fmt.Errorf("watch %s: %w", l.dir, err)
	}
	l.logger.Info().Str("dir", l.dir).Dur("debounce", debounce).Msg("watching seed directory")

	var (
		mu    sync.Mutex
		timer *time.Timer
		wg    sync.WaitGroup
	)
	defer func() {
		mu.Lock()
		if timer != nil && timer.Stop() {
			wg.Done()
		}
		mu.Unlock()
		wg.Wait()
	}()

	reload := func() {
		defer wg.Done()
		st, err := l.Load(ctx)
		if err != nil {
			l.logger.Error().Err(err).Msg("seed reload failed")
		}
		if onReload != nil {
			onReload(st, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !IsSeedFile(ev.Name) || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			l.logger.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("seed file changed")
			mu.Lock()
			if timer == nil || !timer.Stop() {
				wg.Add(1)
			}
			timer = time.AfterFunc(debounce, reload)
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn().Err(err).Msg("seed watcher error")
		}
	}
}
