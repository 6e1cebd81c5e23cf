package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ValentinKolb/dLock/lib/lockmgr"
	"github.com/ValentinKolb/dLock/lib/session"
	"github.com/ValentinKolb/dLock/lib/store"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("notifier")

var (
	pushedTotal  = metrics.NewCounter("dlock_notifier_pushed_total")
	droppedTotal = metrics.NewCounter("dlock_notifier_dropped_total")
	eventsTotal  = metrics.NewCounter("dlock_notifier_events_total")
)

// ErrConnectionGone is returned by an IPusher for a connection that is not
// (or no longer) open.
var ErrConnectionGone = errors.New("connection gone")

// IPusher delivers notifications to live client connections.
type IPusher interface {
	// Push writes reply to the connection cid. It must fail instead of
	// blocking forever if the connection is gone.
	Push(cid string, reply lockmgr.Reply) error
}

// INotifier is the background task waking up waiters of released locks.
type INotifier interface {
	// Start subscribes to the release channel and starts processing events.
	// It returns once the subscription is active. The notifier stops when
	// ctx is cancelled or Stop is called.
	Start(ctx context.Context) error
	// Stop cancels the subscription and waits until the current event is done.
	Stop()
}

type notifierImpl struct {
	store    store.IStore
	sessions session.IRegistry
	pusher   IPusher
	channel  string

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures the notifier.
type Option func(*notifierImpl)

// WithChannel sets the release channel to listen on.
func WithChannel(channel string) Option {
	return func(n *notifierImpl) {
		if channel != "" {
			n.channel = channel
		}
	}
}

// NewNotifier creates a notifier. It does nothing until Start is called.
func NewNotifier(s store.IStore, sessions session.IRegistry, pusher IPusher, opts ...Option) INotifier {
	n := &notifierImpl{
		store:    s,
		sessions: sessions,
		pusher:   pusher,
		channel:  lockmgr.DefaultChannel,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *notifierImpl) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return errors.New("notifier already started")
	}

	sub, err := n.store.Subscribe(ctx, n.channel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", n.channel, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	n.started = true
	n.cancel = cancel
	n.done = make(chan struct{})

	go n.run(runCtx, sub)

	Logger.Infof("notifier listening on %s", n.channel)
	return nil
}

func (n *notifierImpl) Stop() {
	n.mu.Lock()
	cancel, done := n.cancel, n.done
	n.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// run processes release events strictly one after another
func (n *notifierImpl) run(ctx context.Context, sub store.ISubscription) {
	defer close(n.done)
	defer func() {
		if err := sub.Close(); err != nil {
			Logger.Warningf("failed to close subscription: %v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			Logger.Infof("notifier stopped")
			return
		case name, ok := <-sub.Messages():
			if !ok {
				Logger.Warningf("release channel %s closed", n.channel)
				return
			}
			eventsTotal.Inc()
			n.wakeWaiters(ctx, name)
		}
	}
}

// wakeWaiters drains the wait set of a released lock. Every member is
// removed before its RETRY is pushed, whether its connection could be reached
// or not. A waiter that re-registers while handling the RETRY stays registered.
func (n *notifierImpl) wakeWaiters(ctx context.Context, name string) {
	waitKey := lockmgr.WaitKey(name)
	waiters, err := n.store.SMembers(ctx, waitKey)
	if err != nil {
		Logger.Errorf("failed to read waiters of %s: %v", name, err)
		return
	}

	for _, sid := range waiters {
		cid, found, err := n.sessions.ConnectionOf(ctx, sid)
		if err != nil {
			// the entry is kept, the next release of the lock tries again
			Logger.Errorf("failed to resolve connection of %s: %v", sid, err)
			continue
		}

		if err := n.store.SRem(ctx, waitKey, sid); err != nil {
			Logger.Errorf("failed to remove waiter %s of %s: %v", sid, name, err)
		}

		if !found {
			droppedTotal.Inc()
			Logger.Debugf("no connection for waiter %s of %s, dropped", sid, name)
			continue
		}

		if err := n.pusher.Push(cid, lockmgr.Retry(name)); err != nil {
			droppedTotal.Inc()
			Logger.Debugf("retry %s for %s (%s) not delivered: %v", name, sid, cid, err)
			continue
		}
		pushedTotal.Inc()
		Logger.Debugf("retry %s pushed to %s (%s)", name, sid, cid)
	}
}
