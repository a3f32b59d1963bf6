package nitro

import (
	"github.com/fsnotify/fsnotify"
)

// startDirWatcher watches sv.Dir and folds any filesystem event into
// want_rescan, sparing operators from sending an explicit `s` over the
// control socket after every directory change. This supplements the
// directory walk rather than replacing it: rescan itself still does the
// real enumeration, the watcher only decides when to trigger one. Like
// the signal handler, it is a minimal producer: it touches only the
// atomic flag and the self-pipe, never supervisor state directly.
func (sv *Supervisor) startDirWatcher() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		sv.log.Warnf("fsnotify unavailable, rescans only via control socket/SIGHUP: %v", err)
		return
	}
	if err := w.Add(sv.Dir); err != nil {
		sv.log.Warnf("fsnotify: cannot watch %s: %v", sv.Dir, err)
		w.Close()
		return
	}
	sv.watcher = w
	go func() {
		for {
			select {
			case _, ok := <-w.Events:
				if !ok {
					return
				}
				sv.wantRescan.Store(true)
				sv.wake()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if err != nil {
					sv.log.Debugf("fsnotify error: %v", err)
				}
			}
		}
	}()
}
