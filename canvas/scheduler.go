package canvas

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// distinct from a generic network error so the ui can show a
// "save timeout" message instead of a generic one
var ErrSaveTimeout = errors.New("position save timeout")

type PositionSchedulerSettings struct {
	// trailing-edge debounce. each recorded position restarts the countdown,
	// so a continuous drag produces no network traffic until motion stops
	DebounceTimeout time.Duration
	// watchdog on an outstanding flush. when exceeded, the saving state is
	// force-cleared on the client whether or not the call eventually resolves
	FlushTimeout time.Duration
}

func DefaultPositionSchedulerSettings() *PositionSchedulerSettings {
	return &PositionSchedulerSettings{
		DebounceTimeout: 800 * time.Millisecond,
		FlushTimeout:    10 * time.Second,
	}
}

type SaveState struct {
	PendingChanges bool
	Saving         bool
	LastSavedAt    time.Time
	Err            error
}

type SaveStateFunction func(saveState *SaveState)

// PositionScheduler coalesces high-frequency position mutations into
// infrequent batched writes. At most one pending entry exists per block id;
// a newer drag overwrites the older pending value (last write wins locally
// before flush).
type PositionScheduler struct {
	ctx    context.Context
	cancel context.CancelFunc

	api       *CanvasApi
	projectId Id

	// when set, a successful flush also fires a best-effort canvas-data save
	snapshot func() *SaveCanvasDataArgs

	settings *PositionSchedulerSettings

	mutex          sync.Mutex
	pending        map[Id]*PositionUpdate
	debounce       *time.Timer
	pendingChanges bool
	saving         bool
	lastSavedAt    time.Time
	lastErr        error

	stateCallbacks CallbackList[SaveStateFunction]
}

func NewPositionSchedulerWithDefaults(ctx context.Context, api *CanvasApi, projectId Id) *PositionScheduler {
	return NewPositionScheduler(ctx, api, projectId, DefaultPositionSchedulerSettings())
}

func NewPositionScheduler(ctx context.Context, api *CanvasApi, projectId Id, settings *PositionSchedulerSettings) *PositionScheduler {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &PositionScheduler{
		ctx:       cancelCtx,
		cancel:    cancel,
		api:       api,
		projectId: projectId,
		settings:  settings,
		pending:   map[Id]*PositionUpdate{},
	}
}

func (self *PositionScheduler) SetSnapshotFunc(snapshot func() *SaveCanvasDataArgs) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.snapshot = snapshot
}

func (self *PositionScheduler) AddStateCallback(stateCallback SaveStateFunction) func() {
	return self.stateCallbacks.Add(stateCallback)
}

func (self *PositionScheduler) RecordPosition(blockId Id, x float64, y float64) bool {
	if !FinitePosition(x, y) {
		glog.Infof("[pos]drop non-finite position %s (%f,%f)\n", blockId, x, y)
		return false
	}

	self.mutex.Lock()
	self.pending[blockId] = &PositionUpdate{
		Id:        blockId,
		PositionX: RoundPosition(x),
		PositionY: RoundPosition(y),
	}
	self.pendingChanges = true
	if self.debounce != nil {
		self.debounce.Stop()
	}
	self.debounce = time.AfterFunc(self.settings.DebounceTimeout, func() {
		self.Flush()
	})
	self.mutex.Unlock()

	self.stateChanged()
	return true
}

// drops the pending entry for a block, e.g. when the block is deleted
func (self *PositionScheduler) ClearPending(blockId Id) {
	self.mutex.Lock()
	delete(self.pending, blockId)
	self.pendingChanges = 0 < len(self.pending)
	self.mutex.Unlock()

	self.stateChanged()
}

// Flush drains the pending map and issues one batched update. The map is
// swapped before the network call, so positions recorded while the call is
// outstanding accumulate into a fresh map for the next cycle and are never
// lost. Dropped updates on failure are not retried; the error is surfaced
// and reconciliation happens on the next drag or reload.
func (self *PositionScheduler) Flush() error {
	self.mutex.Lock()
	if self.debounce != nil {
		self.debounce.Stop()
		self.debounce = nil
	}
	if len(self.pending) == 0 {
		self.pendingChanges = false
		self.mutex.Unlock()
		self.stateChanged()
		return nil
	}
	updates := maps.Values(self.pending)
	self.pending = map[Id]*PositionUpdate{}
	self.saving = true
	snapshot := self.snapshot
	self.mutex.Unlock()

	// stable order for the platform and for tests
	slices.SortFunc(updates, func(a *PositionUpdate, b *PositionUpdate) int {
		if a.Id.LessThan(b.Id) {
			return -1
		} else if b.Id.LessThan(a.Id) {
			return 1
		}
		return 0
	})

	self.stateChanged()

	flushCtx, flushCancel := context.WithTimeout(self.ctx, self.settings.FlushTimeout)
	defer flushCancel()

	result, err := self.api.BatchUpdatePositionsSync(flushCtx, &BatchUpdatePositionsArgs{
		Updates: updates,
	})
	if err == nil && result != nil && !result.Success {
		err = fmt.Errorf("batch update rejected")
	}
	if errors.Is(err, context.DeadlineExceeded) && self.ctx.Err() == nil {
		err = ErrSaveTimeout
	}

	self.mutex.Lock()
	self.saving = false
	if err != nil {
		// clear the pending flag so the ui does not spin forever.
		// the dropped updates are not retried
		self.pendingChanges = 0 < len(self.pending)
		self.lastErr = err
		self.mutex.Unlock()

		glog.Infof("[pos]flush error = %s\n", err)
		self.stateChanged()
		return err
	}
	self.lastSavedAt = time.Now()
	self.lastErr = nil
	self.pendingChanges = 0 < len(self.pending)
	self.mutex.Unlock()

	glog.V(2).Infof("[pos]flushed %d\n", len(updates))
	self.stateChanged()

	if snapshot != nil {
		// fire and forget durability of the node/edge summary
		self.api.SaveCanvasData(self.projectId, snapshot(), NewApiCallback(func(result *SaveCanvasDataResult, err error) {
			if err != nil {
				glog.Infof("[pos]canvas data save error = %s\n", err)
			}
		}))
	}

	return nil
}

func (self *PositionScheduler) State() *SaveState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return &SaveState{
		PendingChanges: self.pendingChanges,
		Saving:         self.saving,
		LastSavedAt:    self.lastSavedAt,
		Err:            self.lastErr,
	}
}

func (self *PositionScheduler) PendingCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.pending)
}

func (self *PositionScheduler) stateChanged() {
	saveState := self.State()
	for _, stateCallback := range self.stateCallbacks.Get() {
		stateCallback(saveState)
	}
}

func (self *PositionScheduler) Close() {
	self.cancel()

	self.mutex.Lock()
	if self.debounce != nil {
		self.debounce.Stop()
		self.debounce = nil
	}
	self.mutex.Unlock()
}
