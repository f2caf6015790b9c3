package server

import (
	"context"
	"sort"
	"sync"
	"time"
)

// LifecycleState represents the current state of the engine
type LifecycleState int

const (
	StateStopped LifecycleState = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

func (s LifecycleState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// LifecycleHook is called around engine start and stop. Start hooks run
// after the registry is reconciled and before the engine reports running;
// stop hooks run in reverse order before background work is stopped.
type LifecycleHook struct {
	Name     string
	OnStart  func(ctx context.Context, e *Engine) error
	OnStop   func(ctx context.Context, e *Engine) error
	OnError  func(err error)
	Priority int // Lower numbers execute first
}

// lifecycle tracks state, timing and hooks of an engine
type lifecycle struct {
	mutex     sync.RWMutex
	state     LifecycleState
	startTime time.Time
	stopTime  time.Time
	lastError error
	hooks     []LifecycleHook
}

func (l *lifecycle) registerHook(hook LifecycleHook) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.hooks = append(l.hooks, hook)
	sort.SliceStable(l.hooks, func(i, j int) bool {
		return l.hooks[i].Priority < l.hooks[j].Priority
	})
}

func (l *lifecycle) snapshotHooks() []LifecycleHook {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return append([]LifecycleHook(nil), l.hooks...)
}

func (l *lifecycle) getState() LifecycleState {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.state
}

// transition moves to target if the transition table allows it
func (l *lifecycle) transition(target LifecycleState) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if !canTransition(l.state, target) {
		return false
	}
	l.state = target
	switch target {
	case StateStarting:
		l.startTime = time.Now()
		l.stopTime = time.Time{}
		l.lastError = nil
	case StateStopping:
		l.stopTime = time.Now()
	}
	return true
}

func (l *lifecycle) uptime() time.Duration {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	if l.state == StateRunning {
		return time.Since(l.startTime)
	}
	if !l.stopTime.IsZero() {
		return l.stopTime.Sub(l.startTime)
	}
	return 0
}

func (l *lifecycle) getLastError() error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.lastError
}

// setError records err and moves to StateError. Error hooks are called
// without the lifecycle lock held.
func (l *lifecycle) setError(err error) {
	l.mutex.Lock()
	l.state = StateError
	l.lastError = err
	hooks := append([]LifecycleHook(nil), l.hooks...)
	l.mutex.Unlock()

	for _, hook := range hooks {
		if hook.OnError != nil {
			hook.OnError(err)
		}
	}
}

func canTransition(current, target LifecycleState) bool {
	switch target {
	case StateStarting:
		return current == StateStopped
	case StateRunning:
		return current == StateStarting
	case StateStopping:
		return current == StateStarting || current == StateRunning || current == StateError
	case StateStopped:
		return current == StateStopping
	case StateError:
		return true
	default:
		return false
	}
}
