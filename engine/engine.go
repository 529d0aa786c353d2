package engine

import (
	"path/filepath"
	"sync"

	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/cache"
	"github.com/mailkit/imapcore/cache/memcache"
	"github.com/mailkit/imapcore/cache/sqlcache"
	"github.com/mailkit/imapcore/task"
	"github.com/mailkit/imapcore/tree"
)

// Engine owns every parser.Session, the shared Tree, and the Cache. It
// is the single point a presentation layer talks to; tasks
// themselves know nothing of the pool or of other parsers.
type Engine struct {
	cfg      Config
	tree     *tree.Tree
	cache    cache.Cache
	observer Observer
	policy   *policyQueue

	mu      sync.Mutex
	cond    *sync.Cond
	parsers []*parserConn
	nextID  int
	closed  bool
}

// NewEngine constructs an Engine from cfg but dials no connection yet;
// the first operation that needs a parser bootstraps one lazily; the
// pool is demand-driven, not pre-warmed.
func NewEngine(cfg Config) (*Engine, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Cache == nil && cfg.CacheDir != "" {
		c, err := sqlcache.Open(filepath.Join(cfg.CacheDir, "imap.db"), cfg.CacheDir, cache.DefaultRenewalThreshold)
		if err != nil {
			cfg.Logger.Warn("combined cache unavailable, falling back to memory", "err", err)
			cfg.Observer.CacheDegraded(err)
			cfg.Cache = memcache.New(cache.DefaultRenewalThreshold)
		} else {
			cfg.Cache = c
		}
	}

	e := &Engine{
		cfg:      cfg,
		tree:     tree.New(),
		cache:    cfg.Cache,
		observer: cfg.Observer,
		policy:   newPolicyQueue(cfg.Policy),
	}
	e.cond = sync.NewCond(&e.mu)
	if e.cache != nil {
		go e.watchCache(e.cache)
	}
	return e, nil
}

// cacheRef returns the current cache under the engine lock, so a
// concurrent degrade-to-memory swap is observed consistently.
func (e *Engine) cacheRef() cache.Cache {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache
}

// watchCache observes c's failure channel and degrades to the in-memory
// cache on the first error.
func (e *Engine) watchCache(c cache.Cache) {
	ch := c.Errors()
	if ch == nil {
		return
	}
	err, ok := <-ch
	if !ok || err == nil {
		return
	}
	e.mu.Lock()
	if e.cache != c || e.closed {
		e.mu.Unlock()
		return
	}
	e.cache = memcache.New(cache.DefaultRenewalThreshold)
	e.mu.Unlock()

	c.Close()
	e.cfg.Logger.Warn("persistent cache failed, degraded to in-memory cache", "err", err)
	e.observer.CacheDegraded(err)
}

// Tree exposes the shared mailbox/message tree for a presentation layer
// to read; only the engine's own goroutines ever mutate it.
func (e *Engine) Tree() *tree.Tree { return e.tree }

// SetPolicy updates the network policy.
func (e *Engine) SetPolicy(p NetworkPolicy) { e.policy.SetPolicy(p) }

// Policy returns the current network policy.
func (e *Engine) Policy() NetworkPolicy { return e.policy.Policy() }

// Close tears down every pooled parser and the cache.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	parsers := e.parsers
	e.parsers = nil
	cch := e.cache
	e.cache = nil
	e.cond.Broadcast()
	e.mu.Unlock()

	var firstErr error
	for _, pc := range parsers {
		if pc.idle != nil {
			pc.idle.Stop()
		}
		if pc.noopTimer != nil {
			pc.noopTimer.Stop()
		}
		if err := pc.sess.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if cch != nil {
		if err := cch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// mailboxIndex finds or creates the Mailbox node for name, so Select
// can target a mailbox the caller never ran List against.
func (e *Engine) mailboxIndex(name string) tree.Index {
	if idx := e.tree.FindMailboxByName(name); idx != tree.NilIndex {
		return idx
	}
	return e.tree.AddMailbox(e.tree.Root(), name, 0, nil)
}

func (e *Engine) runtime(pc *parserConn) task.Runtime {
	return task.Runtime{
		Sess:   pc.sess,
		Acc:    pc.acc,
		Tree:   e.tree,
		Cache:  e.cacheRef(),
		Notify: e.observer,
		Logger: e.cfg.Logger,
	}
}

// transitionParser drives pc's state machine and notifies the observer;
// tasks themselves never touch the state machine.
func (e *Engine) transitionParser(pc *parserConn, to imap.ConnState) error {
	if err := pc.state.Transition(to); err != nil {
		return err
	}
	e.observer.ConnectionStateChanged(pc.id, to)
	return nil
}
