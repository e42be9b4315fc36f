package store

import "sync"

type SignalKind int

const (
	SignalSnapshot SignalKind = iota + 1
	SignalInserted
	SignalMutated
	SignalRemoved
	SignalFailed
)

func (k SignalKind) String() string {
	switch k {
	case SignalSnapshot:
		return "snapshot"
	case SignalInserted:
		return "inserted"
	case SignalMutated:
		return "mutated"
	case SignalRemoved:
		return "removed"
	case SignalFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Signal is one notification from a range subscription.
//
//	Snapshot: Records holds the full (re)computed window.
//	Inserted: Record entered the window; Old is nil.
//	Mutated:  Record changed in place; Old is the previous value.
//	Removed:  Old left the window.
//	Failed:   Err describes a subscription failure; no further signals follow.
type Signal struct {
	Kind    SignalKind
	Records []Record
	ID      string
	Record  Record
	Old     Record
	Err     error
}

func Snapshot(records []Record) Signal {
	return Signal{Kind: SignalSnapshot, Records: records}
}

func Inserted(rec Record) Signal {
	return Signal{Kind: SignalInserted, ID: rec.ID(), Record: rec}
}

func Mutated(rec, old Record) Signal {
	return Signal{Kind: SignalMutated, ID: rec.ID(), Record: rec, Old: old}
}

func Removed(old Record) Signal {
	return Signal{Kind: SignalRemoved, ID: old.ID(), Old: old}
}

func Failed(err error) Signal {
	return Signal{Kind: SignalFailed, Err: err}
}

// DiffWindow computes the signals that turn window prev into window next.
// Removals are reported first, then inserts and mutations in next's order.
func DiffWindow(prev, next []Record) []Signal {
	before := make(map[string]Record, len(prev))
	for _, rec := range prev {
		before[rec.ID()] = rec
	}
	after := make(map[string]struct{}, len(next))
	for _, rec := range next {
		after[rec.ID()] = struct{}{}
	}

	var out []Signal
	for _, rec := range prev {
		if _, ok := after[rec.ID()]; !ok {
			out = append(out, Removed(rec))
		}
	}
	for _, rec := range next {
		old, ok := before[rec.ID()]
		switch {
		case !ok:
			out = append(out, Inserted(rec))
		case !old.Equal(rec):
			out = append(out, Mutated(rec, old))
		}
	}
	return out
}

// Feed is an unbounded signal queue backing a Subscription. Push never blocks
// and never drops; a pump goroutine forwards queued signals to Signals().
type Feed struct {
	mu      sync.Mutex
	pending []Signal
	wake    chan struct{}
	out     chan Signal
	done    chan struct{}
	once    sync.Once
	onClose func()
}

func NewFeed(onClose func()) *Feed {
	f := &Feed{
		wake:    make(chan struct{}, 1),
		out:     make(chan Signal),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go f.pump()
	return f
}

func (f *Feed) Push(signals ...Signal) {
	if len(signals) == 0 {
		return
	}
	f.mu.Lock()
	f.pending = append(f.pending, signals...)
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *Feed) Signals() <-chan Signal {
	return f.out
}

// Done is closed once the feed has been closed.
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

func (f *Feed) Close() error {
	f.once.Do(func() {
		if f.onClose != nil {
			f.onClose()
		}
		close(f.done)
	})
	return nil
}

func (f *Feed) pump() {
	defer close(f.out)
	for {
		f.mu.Lock()
		batch := f.pending
		f.pending = nil
		f.mu.Unlock()

		for _, sig := range batch {
			select {
			case f.out <- sig:
			case <-f.done:
				return
			}
		}

		select {
		case <-f.wake:
		case <-f.done:
			return
		}
	}
}

var _ Subscription = (*Feed)(nil)
