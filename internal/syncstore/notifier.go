package syncstore

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Notifier publishes kind-changed events to same-process subscribers and,
// when watching a cache directory shared with other processes, republishes
// changes those processes persist. Delivery is fire-and-forget: listeners
// registered after a publish do not see it.
type Notifier struct {
	mu       sync.Mutex
	subs     map[int]func(kind string)
	nextSub  int
	lastSelf map[string]time.Time
	window   time.Duration
	watcher  *fsnotify.Watcher
	done     chan struct{}
	once     sync.Once
	log      zerolog.Logger
}

type NotifierOptions struct {
	// SuppressionWindow is how long after our own save a file event for the
	// same kind is assumed to be the echo of that save rather than another
	// process's write.
	SuppressionWindow time.Duration
	Logger            *zerolog.Logger
}

func NewNotifier(opts NotifierOptions) *Notifier {
	window := opts.SuppressionWindow
	if window <= 0 {
		window = 500 * time.Millisecond
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Notifier{
		subs:     map[int]func(kind string){},
		lastSelf: map[string]time.Time{},
		window:   window,
		done:     make(chan struct{}),
		log:      log,
	}
}

// Subscribe registers a listener and returns its unsubscribe function.
func (n *Notifier) Subscribe(fn func(kind string)) func() {
	if n == nil || fn == nil {
		return func() {}
	}
	n.mu.Lock()
	id := n.nextSub
	n.nextSub++
	n.subs[id] = fn
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

// Publish fires a kind-changed event from this process. The kind is recorded
// so the directory watcher can ignore the file event our own save produces.
func (n *Notifier) Publish(kind string) {
	if n == nil {
		return
	}
	n.mu.Lock()
	n.lastSelf[kind] = time.Now()
	n.mu.Unlock()
	n.deliver(kind)
}

// publishExternal fires an event attributed to another process. Events inside
// the suppression window after our own save are dropped as echoes.
func (n *Notifier) publishExternal(kind string) {
	if n == nil {
		return
	}
	n.mu.Lock()
	last, ok := n.lastSelf[kind]
	n.mu.Unlock()
	if ok && time.Since(last) < n.window {
		return
	}
	n.deliver(kind)
}

func (n *Notifier) deliver(kind string) {
	n.mu.Lock()
	handlers := make([]func(string), 0, len(n.subs))
	for _, fn := range n.subs {
		handlers = append(handlers, fn)
	}
	n.mu.Unlock()
	for _, fn := range handlers {
		fn(kind)
	}
}

// WatchDir attaches an fsnotify watcher to a cache directory so writes from
// other processes sharing it surface as kind-changed events. The kind is the
// file's base name without the .json extension.
func (n *Notifier) WatchDir(dir string) error {
	if n == nil || strings.TrimSpace(dir) == "" {
		return ErrInvalidInput
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}
	n.mu.Lock()
	if n.watcher != nil {
		n.mu.Unlock()
		_ = watcher.Close()
		return ErrInvalidInput
	}
	n.watcher = watcher
	n.mu.Unlock()

	go n.watchLoop(watcher)
	return nil
}

func (n *Notifier) watchLoop(watcher *fsnotify.Watcher) {
	for {
		select {
		case <-n.done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			kind := kindFromCacheFile(event.Name)
			if kind == "" {
				continue
			}
			n.publishExternal(kind)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			n.log.Warn().Err(err).Msg("cache directory watcher error")
		}
	}
}

func (n *Notifier) Close() error {
	if n == nil {
		return nil
	}
	n.once.Do(func() {
		close(n.done)
	})
	n.mu.Lock()
	watcher := n.watcher
	n.watcher = nil
	n.mu.Unlock()
	if watcher != nil {
		return watcher.Close()
	}
	return nil
}

func kindFromCacheFile(path string) string {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, cacheFileSuffix) {
		return ""
	}
	return strings.TrimSuffix(base, cacheFileSuffix)
}
