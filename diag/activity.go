package diag

import (
	"sync"
	"time"

	"greybridge/dispatcher"
	"greybridge/message"
)

const recentFailures = 16

// Failure is one failed invocation as reported by the dispatcher.
type Failure struct {
	Selector string    `json:"selector"`
	Target   uint64    `json:"target,omitempty"`
	Error    string    `json:"error"`
	At       time.Time `json:"at"`
}

// Activity follows the dispatcher's state transitions: how many invocations
// are in flight, how many ended each way, and the last few failures.
type Activity struct {
	mu        sync.Mutex
	inflight  int
	completed uint64
	failed    uint64
	recent    []Failure
}

func NewActivity() *Activity {
	return &Activity{}
}

// Observe is a dispatcher.Observer.
func (a *Activity) Observe(inv *message.Invocation, s dispatcher.State, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch s {
	case dispatcher.StateReceived:
		a.inflight++
	case dispatcher.StateCompleted:
		a.inflight--
		a.completed++
	case dispatcher.StateFailed:
		a.inflight--
		a.failed++
		f := Failure{Selector: inv.Selector(), Target: inv.Target, At: time.Now()}
		if err != nil {
			f.Error = err.Error()
		}
		if len(a.recent) == recentFailures {
			a.recent = append(a.recent[:0], a.recent[1:]...)
		}
		a.recent = append(a.recent, f)
	}
}

type ActivitySnapshot struct {
	InFlight  int       `json:"inflight"`
	Completed uint64    `json:"completed"`
	Failed    uint64    `json:"failed"`
	Recent    []Failure `json:"recent"`
}

func (a *Activity) Snapshot() ActivitySnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ActivitySnapshot{
		InFlight:  a.inflight,
		Completed: a.completed,
		Failed:    a.failed,
		Recent:    append([]Failure(nil), a.recent...),
	}
}
