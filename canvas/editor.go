package canvas

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

type EditorSettings struct {
	Scheduler *PositionSchedulerSettings
	Layout    *GridLayoutSettings
	// destructive deletes go through this hook before anything is removed.
	// nil means no confirmation gate
	ConfirmDelete func(block *Block) bool
}

func DefaultEditorSettings() *EditorSettings {
	return &EditorSettings{
		Scheduler: DefaultPositionSchedulerSettings(),
		Layout:    DefaultGridLayoutSettings(),
	}
}

// Editor orchestrates one open canvas: the graph store, the position
// scheduler, the persistence gateway, and optionally a realtime controller
// for multi-user sessions.
//
// Create goes to the platform first because ids are server assigned.
// Update and delete apply optimistically: the local graph mutates before the
// network call, and a failed call is logged without rolling the ui back.
// Correction happens on the next full reload.
type Editor struct {
	ctx    context.Context
	cancel context.CancelFunc

	projectId Id
	api       *CanvasApi
	store     *GraphStore
	scheduler *PositionScheduler

	settings *EditorSettings

	mutex    sync.Mutex
	realtime *RealtimeController
}

func NewEditorWithDefaults(ctx context.Context, session *Session, projectId Id) *Editor {
	return NewEditor(ctx, session, projectId, DefaultEditorSettings())
}

func NewEditor(ctx context.Context, session *Session, projectId Id, settings *EditorSettings) *Editor {
	cancelCtx, cancel := context.WithCancel(ctx)

	api := NewCanvasApiWithContext(cancelCtx, session)
	store := NewGraphStore(projectId)
	scheduler := NewPositionScheduler(cancelCtx, api, projectId, settings.Scheduler)
	scheduler.SetSnapshotFunc(store.Snapshot)

	return &Editor{
		ctx:       cancelCtx,
		cancel:    cancel,
		projectId: projectId,
		api:       api,
		store:     store,
		scheduler: scheduler,
		settings:  settings,
	}
}

// attaches an already-running controller for the same project
func (self *Editor) SetRealtime(realtime *RealtimeController) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.realtime = realtime
}

func (self *Editor) Realtime() *RealtimeController {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.realtime
}

func (self *Editor) Store() *GraphStore {
	return self.store
}

func (self *Editor) Scheduler() *PositionScheduler {
	return self.scheduler
}

func (self *Editor) Api() *CanvasApi {
	return self.api
}

func (self *Editor) Load(ctx context.Context) error {
	return self.store.Load(ctx, self.api)
}

func (self *Editor) broadcast(action ActivityAction, target string, data map[string]any) {
	if realtime := self.Realtime(); realtime != nil {
		realtime.BroadcastCanvasActivity(action, target, data)
	}
}

// empty titles never reach the network
func (self *Editor) CreateBlock(ctx context.Context, createBlock *CreateBlockArgs) (*Block, error) {
	if createBlock.Title == "" {
		return nil, fmt.Errorf("block title must not be empty")
	}
	if !FinitePosition(createBlock.PositionX, createBlock.PositionY) {
		return nil, fmt.Errorf("block position must be finite")
	}
	createBlock.PositionX = RoundPosition(createBlock.PositionX)
	createBlock.PositionY = RoundPosition(createBlock.PositionY)

	result, err := self.api.CreateBlockSync(ctx, self.projectId, createBlock)
	if err != nil {
		return nil, err
	}
	if result.Block == nil {
		return nil, fmt.Errorf("platform returned no block")
	}

	self.store.AddBlock(result.Block)
	self.broadcast(ActivityNodeCreated, result.Block.Title, map[string]any{
		"blockId": result.Block.Id.String(),
		"type":    result.Block.Type,
	})
	return result.Block, nil
}

func (self *Editor) UpdateBlock(block *Block, updateBlock *UpdateBlockArgs) bool {
	if !self.store.UpdateBlock(block) {
		return false
	}

	self.api.UpdateBlock(block.Id, updateBlock, NewApiCallback(func(result *UpdateBlockResult, err error) {
		if err != nil {
			// optimistic state is kept. the next reload corrects it
			glog.Infof("[edit]update block %s error = %s\n", block.Id, err)
		}
	}))

	self.broadcast(ActivityNodeUpdated, block.Title, map[string]any{
		"blockId": block.Id.String(),
	})
	return true
}

// DeleteBlock cascades: every relation touching the block is pruned from
// local state immediately, and any pending position update for the block is
// dropped so it cannot resurrect in the next flush.
func (self *Editor) DeleteBlock(blockId Id) bool {
	block := self.store.Block(blockId)
	if block == nil {
		return false
	}
	if self.settings.ConfirmDelete != nil && !self.settings.ConfirmDelete(block) {
		return false
	}

	removedRelationIds, removed := self.store.RemoveBlock(blockId)
	if !removed {
		return false
	}
	self.scheduler.ClearPending(blockId)

	self.api.DeleteBlock(blockId, NewApiCallback(func(result *DeleteBlockResult, err error) {
		if err != nil {
			glog.Infof("[edit]delete block %s error = %s\n", blockId, err)
		}
	}))
	// the platform cascades relations server side
	for _, relationId := range removedRelationIds {
		glog.V(2).Infof("[edit]pruned relation %s\n", relationId)
	}

	self.broadcast(ActivityNodeDeleted, block.Title, map[string]any{
		"blockId": blockId.String(),
	})
	return true
}

// ConnectBlocks creates a relation between two existing blocks. Endpoints
// are validated locally before the call so a dangling relation can never
// enter the store.
func (self *Editor) ConnectBlocks(ctx context.Context, sourceBlockId Id, targetBlockId Id, relationType string) (*Relation, error) {
	if self.store.Block(sourceBlockId) == nil {
		return nil, fmt.Errorf("source block %s not found", sourceBlockId)
	}
	if self.store.Block(targetBlockId) == nil {
		return nil, fmt.Errorf("target block %s not found", targetBlockId)
	}

	result, err := self.api.CreateRelationSync(ctx, self.projectId, &CreateRelationArgs{
		SourceBlockId: sourceBlockId,
		TargetBlockId: targetBlockId,
		Type:          relationType,
	})
	if err != nil {
		return nil, err
	}
	if result.Relation == nil {
		return nil, fmt.Errorf("platform returned no relation")
	}

	self.store.AddRelation(result.Relation)
	self.broadcast(ActivityEdgeCreated, "", map[string]any{
		"relationId": result.Relation.Id.String(),
		"source":     sourceBlockId.String(),
		"target":     targetBlockId.String(),
	})
	return result.Relation, nil
}

func (self *Editor) DeleteRelation(relationId Id) bool {
	if !self.store.RemoveRelation(relationId) {
		return false
	}

	self.api.DeleteRelation(relationId, NewApiCallback(func(result *DeleteRelationResult, err error) {
		if err != nil {
			glog.Infof("[edit]delete relation %s error = %s\n", relationId, err)
		}
	}))

	self.broadcast(ActivityEdgeDeleted, "", map[string]any{
		"relationId": relationId.String(),
	})
	return true
}

// MoveBlock applies the drag position locally and records it with the
// scheduler. The batched write goes out after the drag settles.
func (self *Editor) MoveBlock(blockId Id, x float64, y float64) bool {
	if !self.store.SetBlockPosition(blockId, x, y) {
		return false
	}
	return self.scheduler.RecordPosition(blockId, x, y)
}

// AutoLayout recomputes the grid, applies it to the store, and flushes the
// new positions immediately rather than waiting out the debounce.
func (self *Editor) AutoLayout() (*GridInfo, error) {
	laidOut, gridInfo := ApplyGridLayout(self.store.Nodes(), self.settings.Layout)
	for _, node := range laidOut {
		self.store.SetBlockPosition(node.Id, node.Position.X, node.Position.Y)
		self.scheduler.RecordPosition(node.Id, node.Position.X, node.Position.Y)
	}
	if err := self.scheduler.Flush(); err != nil {
		return gridInfo, err
	}
	return gridInfo, nil
}

func (self *Editor) Close() {
	self.scheduler.Close()
	self.api.Close()
	self.cancel()
}
