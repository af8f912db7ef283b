package notify

import (
	"context"
	"sync"
)

// Local is an in-process bus. Stores sharing an engine inside one process
// post their commits here and each notifier subscribed to the bus hears
// about the others.
type Local struct {
	mu   sync.RWMutex
	subs map[int]func(Signal)
	next int
}

func NewLocal() *Local {
	return &Local{subs: make(map[int]func(Signal))}
}

func (l *Local) Name() string {
	return "local"
}

func (l *Local) Post(sig Signal) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, emit := range l.subs {
		emit(sig)
	}
}

func (l *Local) Run(ctx context.Context, emit func(Signal)) error {
	l.mu.Lock()
	id := l.next
	l.next++
	l.subs[id] = emit
	l.mu.Unlock()

	<-ctx.Done()

	l.mu.Lock()
	delete(l.subs, id)
	l.mu.Unlock()
	return nil
}
