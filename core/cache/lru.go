package cache

import (
	"container/list"
	"sync"
	"time"
)

type LRUOpts struct {
	Size int
	// Now overrides the clock used for TTL expiry.
	Now func() time.Time
}

type entry struct {
	key       string
	val       any
	expiresAt time.Time
}

type getReq struct {
	key  string
	resp chan getResp
}

type getResp struct {
	val any
	ok  bool
}

type putReq struct {
	key string
	val any
	ttl time.Duration
}

// LRU is a bounded, recency-evicted cache. A single goroutine owns the
// list and the index; callers talk to it over channels.
type LRU struct {
	size      int
	now       func() time.Time
	getCh     chan getReq
	putCh     chan putReq
	delCh     chan string
	lenCh     chan chan int
	done      chan struct{}
	closeOnce sync.Once
}

func NewLRU(opts LRUOpts) *LRU {
	if opts.Size <= 0 {
		opts.Size = 128
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	l := &LRU{
		size:  opts.Size,
		now:   opts.Now,
		getCh: make(chan getReq),
		putCh: make(chan putReq),
		delCh: make(chan string),
		lenCh: make(chan chan int),
		done:  make(chan struct{}),
	}

	go l.run()

	return l
}

func (l *LRU) Get(key string) (any, bool) {
	resp := make(chan getResp, 1)
	select {
	case l.getCh <- getReq{key: key, resp: resp}:
	case <-l.done:
		return nil, false
	}
	r := <-resp
	return r.val, r.ok
}

func (l *LRU) Put(key string, val any, opts ...PutOption) {
	o := PutOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	select {
	case l.putCh <- putReq{key: key, val: val, ttl: o.TTL}:
	case <-l.done:
	}
}

func (l *LRU) Delete(key string) {
	select {
	case l.delCh <- key:
	case <-l.done:
	}
}

// Len returns the number of entries currently held, expired ones included
// until they are touched.
func (l *LRU) Len() int {
	resp := make(chan int, 1)
	select {
	case l.lenCh <- resp:
	case <-l.done:
		return 0
	}
	return <-resp
}

// Cap returns the configured maximum number of entries.
func (l *LRU) Cap() int { return l.size }

// Close stops the owning goroutine. Operations after Close are no-ops.
func (l *LRU) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

func (l *LRU) run() {
	ll := list.New()
	index := make(map[string]*list.Element)

	remove := func(ele *list.Element) {
		ll.Remove(ele)
		delete(index, ele.Value.(*entry).key)
	}

	for {
		select {
		case <-l.done:
			return

		case req := <-l.getCh:
			ele, ok := index[req.key]
			if !ok {
				req.resp <- getResp{}
				continue
			}
			e := ele.Value.(*entry)
			if !e.expiresAt.IsZero() && !l.now().Before(e.expiresAt) {
				remove(ele)
				req.resp <- getResp{}
				continue
			}
			ll.MoveToFront(ele)
			req.resp <- getResp{val: e.val, ok: true}

		case req := <-l.putCh:
			var expiresAt time.Time
			if req.ttl > 0 {
				expiresAt = l.now().Add(req.ttl)
			}
			if ele, ok := index[req.key]; ok {
				ll.MoveToFront(ele)
				e := ele.Value.(*entry)
				e.val = req.val
				e.expiresAt = expiresAt
				continue
			}
			index[req.key] = ll.PushFront(&entry{key: req.key, val: req.val, expiresAt: expiresAt})
			if ll.Len() > l.size {
				if last := ll.Back(); last != nil {
					remove(last)
				}
			}

		case key := <-l.delCh:
			if ele, ok := index[key]; ok {
				remove(ele)
			}

		case resp := <-l.lenCh:
			resp <- ll.Len()
		}
	}
}

var _ Cache = (*LRU)(nil)
