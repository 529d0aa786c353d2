// Package task implements per-operation units:
// LIST, STATUS, SELECT, FETCH, APPEND, GENURLAUTH, UID SUBMIT, and the
// smaller connection-bootstrap tasks (STARTTLS, LOGIN, CAPABILITY, NOOP,
// IDLE). A task owns one IMAP command tag, optionally claims a node in
// the tree as its target, and reports completion or failure once its
// tagged response arrives.
//
// Tasks do not read the wire directly; they are activated with a
// *parser.Session to submit their command, and finished with the
// handler.Accumulator the engine collected while the task's tag was
// outstanding, so command issuance and response interpretation stay in
// one place per operation instead of spreading across a monolithic
// client type.
package task

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/mailkit/imapcore/cache"
	"github.com/mailkit/imapcore/handler"
	"github.com/mailkit/imapcore/parser"
	"github.com/mailkit/imapcore/tree"
)

// Kind identifies which of the fixed task kinds a Task is.
type Kind int

const (
	KindStartTLS Kind = iota
	KindLogin
	KindCapability
	KindList
	KindStatus
	KindSelect
	KindFetch
	KindAppend
	KindUIDSubmit
	KindGenURLAuth
	KindNoop
	KindIdle
	KindSearch
	KindStore
)

func (k Kind) String() string {
	switch k {
	case KindStartTLS:
		return "StartTls"
	case KindLogin:
		return "Login"
	case KindCapability:
		return "Capability"
	case KindList:
		return "List"
	case KindStatus:
		return "Status"
	case KindSelect:
		return "Select"
	case KindFetch:
		return "Fetch"
	case KindAppend:
		return "Append"
	case KindUIDSubmit:
		return "UidSubmit"
	case KindGenURLAuth:
		return "GenUrlAuth"
	case KindNoop:
		return "Noop"
	case KindIdle:
		return "Idle"
	case KindSearch:
		return "Search"
	case KindStore:
		return "Store"
	default:
		return "unknown"
	}
}

// State is a task's lifecycle stage: created -> activated -> completed |
// failed | cancelled.
type State int

const (
	StateCreated State = iota
	StateActivated
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActivated:
		return "activated"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Notifier is the subset of the engine's tree-change observer a task
// needs in order to emit the insert/remove/reset notification
// brackets. The engine's own Observer type
// satisfies this structurally; task does not import engine (engine
// imports task, not the reverse).
type Notifier interface {
	LayoutAboutToChange(mailbox tree.Index)
	LayoutChanged(mailbox tree.Index)
	RowsInserted(parent tree.Index, first, last int)
	RowsRemoved(parent tree.Index, first, last int)
	DataChanged(idx tree.Index)
	Alert(text string)
}

// NopNotifier discards every notification; useful for tests and for
// tasks run without a presentation layer attached.
type NopNotifier struct{}

func (NopNotifier) LayoutAboutToChange(tree.Index)       {}
func (NopNotifier) LayoutChanged(tree.Index)             {}
func (NopNotifier) RowsInserted(tree.Index, int, int)    {}
func (NopNotifier) RowsRemoved(tree.Index, int, int)     {}
func (NopNotifier) DataChanged(tree.Index)               {}
func (NopNotifier) Alert(string)                         {}

// Runtime bundles everything a task needs to submit its command and
// interpret the result: the connection it was granted (by the engine's
// parser pool), the accumulator the engine's untagged-response consumer
// loop fills concurrently while the task's tag is outstanding, the tree
// and cache to mutate, and the notifier for change brackets.
type Runtime struct {
	Sess   *parser.Session
	Acc    *handler.Accumulator
	Tree   *tree.Tree
	Cache  cache.Cache
	Notify Notifier
	Logger *slog.Logger
}

func (rt Runtime) logger() *slog.Logger {
	if rt.Logger != nil {
		return rt.Logger
	}
	return slog.Default()
}

// Task is the common interface every task kind implements. The engine
// grants a task a connection once its mailbox/mode prerequisites are
// met by calling Run, which submits the command and blocks until the
// tagged response arrives.
type Task interface {
	Kind() Kind
	Tag() string
	State() State
	Target() tree.Index
	Err() error
	// Deps returns tasks that must complete before this one may
	// activate.
	Deps() []Task
	// Cancel marks the task cancelled with reason, cooperatively: a
	// task that already completed or failed is unaffected.
	Cancel(reason error)
	// Done is closed once the task reaches Completed, Failed or
	// Cancelled.
	Done() <-chan struct{}
	// Run submits the task's command on rt.Sess and blocks until its
	// tagged completion arrives, then interprets rt.Acc (which the
	// engine's consumer loop populated concurrently) into tree/cache
	// mutations. Called by the engine in a dedicated goroutine per
	// active task.
	Run(rt Runtime) error
}

// base holds the bookkeeping shared by every concrete task. Concrete
// task types embed it and call its helpers from their own Run
// implementations.
type base struct {
	kind   Kind
	target tree.Index
	deps   []Task

	mu    sync.Mutex
	tag   string
	state State
	err   error
	done  chan struct{}
	once  sync.Once
}

func newBase(kind Kind, target tree.Index, deps ...Task) base {
	return base{kind: kind, target: target, deps: deps, state: StateCreated, done: make(chan struct{})}
}

func (b *base) Kind() Kind          { return b.kind }
func (b *base) Target() tree.Index  { return b.target }
func (b *base) Deps() []Task        { return b.deps }
func (b *base) Done() <-chan struct{} { return b.done }

func (b *base) Tag() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tag
}

func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// activate records the tag the command was submitted under and moves
// the task to Activated. Concrete tasks call this after a successful
// Session.submit-equivalent.
func (b *base) activate(tag string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tag = tag
	if b.state == StateCreated {
		b.state = StateActivated
	}
}

// finish moves the task to Completed (err == nil) or Failed, exactly
// once, and closes Done.
func (b *base) finish(err error) {
	b.once.Do(func() {
		b.mu.Lock()
		b.err = err
		if err != nil {
			b.state = StateFailed
		} else {
			b.state = StateCompleted
		}
		b.mu.Unlock()
		close(b.done)
	})
}

// Cancel implements Task.Cancel: cooperative, a no-op past completion.
func (b *base) Cancel(reason error) {
	b.once.Do(func() {
		b.mu.Lock()
		if reason == nil {
			reason = fmt.Errorf("imap: task cancelled")
		}
		b.err = reason
		b.state = StateCancelled
		b.mu.Unlock()
		close(b.done)
	})
}

// isCancelled reports whether Cancel already fired, without blocking.
func (b *base) isCancelled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateCancelled
}
