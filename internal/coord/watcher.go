package coord

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultWatchInterval is how often a watcher polls the request file.
const DefaultWatchInterval = 250 * time.Millisecond

// Watcher fires once when another context requests a version newer than
// the one this connection was opened at.
type Watcher struct {
	path     string
	version  int
	baseline string
	interval time.Duration
	fire     func(Request)

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Watch starts polling path. Requests already present when the connection
// was established (baseline) are ignored.
func Watch(path string, version int, baseline Request, interval time.Duration, fire func(Request)) *Watcher {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	w := &Watcher{
		path:     path,
		version:  version,
		baseline: baseline.Token,
		interval: interval,
		fire:     fire,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Watcher) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		}

		req, err := ReadRequest(w.path)
		if err != nil {
			logrus.WithError(err).WithField("path", w.path).Debug("Failed to poll version request")
			continue
		}
		if req.Token == "" || req.Token == w.baseline || req.Version <= w.version {
			continue
		}

		select {
		case <-w.stop:
			return
		default:
		}
		w.fire(req)
		return
	}
}

// Stop ends polling. It does not wait for an in-flight fire callback.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Done is closed once the watcher goroutine has exited.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}
