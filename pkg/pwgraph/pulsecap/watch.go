package pulsecap

import (
	"fmt"
	"net"
	"sync"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

// targetWatcher reports the removal of sinks, sources and streams by index.
// pipewire-pulse uses PipeWire global ids as object indices.
type targetWatcher struct {
	logger *zap.SugaredLogger

	client *proto.Client
	conn   net.Conn

	mu       sync.Mutex
	nextKey  uint64
	watchers map[uint32]map[uint64]func()
}

func newTargetWatcher(logger *zap.SugaredLogger, clientName string) (*targetWatcher, error) {
	client, conn, err := proto.Connect("")
	if err != nil {
		return nil, fmt.Errorf("establish pulse connection: %w", err)
	}

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString(clientName),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set pulse client name: %w", err)
	}

	w := &targetWatcher{
		logger:   logger.Named("watcher"),
		client:   client,
		conn:     conn,
		watchers: make(map[uint32]map[uint64]func()),
	}

	client.Callback = func(msg interface{}) {
		if event, ok := msg.(*proto.SubscribeEvent); ok && event.Event.GetType() == proto.EventRemove {
			w.removed(event.Index)
		}
	}

	mask := proto.SubscriptionMaskSink | proto.SubscriptionMaskSource |
		proto.SubscriptionMaskSinkInput | proto.SubscriptionMaskSourceInput

	if err := client.Request(&proto.Subscribe{Mask: mask}, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe to pulse events: %w", err)
	}

	w.logger.Debug("Created target watcher instance")

	return w, nil
}

// watch calls fn once, from the pulse reader goroutine, when index is removed.
func (w *targetWatcher) watch(index uint32, fn func()) (cancel func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := w.nextKey
	w.nextKey++

	if w.watchers[index] == nil {
		w.watchers[index] = make(map[uint64]func())
	}
	w.watchers[index][key] = fn

	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()

		delete(w.watchers[index], key)
		if len(w.watchers[index]) == 0 {
			delete(w.watchers, index)
		}
	}
}

func (w *targetWatcher) removed(index uint32) {
	w.mu.Lock()
	fns := w.watchers[index]
	delete(w.watchers, index)
	w.mu.Unlock()

	if len(fns) > 0 {
		w.logger.Debugw("Capture target removed", "index", index)
	}

	for _, fn := range fns {
		fn()
	}
}

func (w *targetWatcher) close() error {
	if err := w.conn.Close(); err != nil {
		return fmt.Errorf("close pulse connection: %w", err)
	}

	return nil
}
