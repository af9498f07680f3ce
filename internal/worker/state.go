package worker

import (
	"fmt"
	"sync"

	"github.com/motorfleet/diagcluster/pkg/models"
)

// transitions enumerates the legal moves of the state machine from spec.md
// §4.3: initializing -> registering -> running <-> degraded -> draining ->
// stopped.
var transitions = map[models.WorkerState][]models.WorkerState{
	models.WorkerInitializing: {models.WorkerRegistering},
	models.WorkerRegistering:  {models.WorkerRunning},
	models.WorkerRunning:      {models.WorkerDegraded, models.WorkerDraining},
	models.WorkerDegraded:     {models.WorkerRunning, models.WorkerDraining},
	models.WorkerDraining:     {models.WorkerStopped},
	models.WorkerStopped:      {},
}

// stateMachine guards a single worker's lifecycle state with a mutex; it is
// the single-writer entity spec.md §9 calls for, scoped to one node instead
// of the whole cluster.
type stateMachine struct {
	mu    sync.RWMutex
	state models.WorkerState
}

func newStateMachine() *stateMachine {
	return &stateMachine{state: models.WorkerInitializing}
}

func (m *stateMachine) Current() models.WorkerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *stateMachine) Transition(to models.WorkerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, allowed := range transitions[m.state] {
		if allowed == to {
			m.state = to
			return nil
		}
	}
	return fmt.Errorf("worker: illegal transition %s -> %s", m.state, to)
}
