package canvas_test

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/momentoboard/canvas/canvas"
)

func testBlock(projectId canvas.Id, title string, blockType string) *canvas.Block {
	return &canvas.Block{
		Id:        canvas.NewId(),
		ProjectId: projectId,
		Title:     title,
		Type:      blockType,
		Status:    "active",
	}
}

func testRelation(projectId canvas.Id, source *canvas.Block, target *canvas.Block) *canvas.Relation {
	return &canvas.Relation{
		Id:            canvas.NewId(),
		ProjectId:     projectId,
		SourceBlockId: source.Id,
		TargetBlockId: target.Id,
		Type:          "default",
	}
}

func TestLoadEmptyProject(t *testing.T) {
	platform := newTestPlatform()
	defer platform.close()

	api := canvas.NewCanvasApi(platform.session())
	defer api.Close()

	store := canvas.NewGraphStore(canvas.NewId())
	err := store.Load(context.Background(), api)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(store.Nodes()), 0)
	assert.Equal(t, len(store.Edges()), 0)
}

func TestLoadFailureFallsBackToEmpty(t *testing.T) {
	platform := newTestPlatform()
	defer platform.close()

	api := canvas.NewCanvasApi(platform.session())
	defer api.Close()

	projectId := canvas.NewId()
	store := canvas.NewGraphStore(projectId)

	// pre-populated local state is replaced with an empty graph on a
	// failed load, never a partially applied one
	store.AddBlock(testBlock(projectId, "stale", "notion"))
	assert.Equal(t, len(store.Nodes()), 1)

	platform.setFailList(true)
	err := store.Load(context.Background(), api)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, len(store.Blocks()), 0)
	assert.Equal(t, len(store.Nodes()), 0)
	assert.Equal(t, len(store.Edges()), 0)
}

func TestCascadeDelete(t *testing.T) {
	projectId := canvas.NewId()
	store := canvas.NewGraphStore(projectId)

	a := testBlock(projectId, "A", "notion")
	b := testBlock(projectId, "B", "openai")
	c := testBlock(projectId, "C", "figma")
	store.AddBlock(a)
	store.AddBlock(b)
	store.AddBlock(c)

	ab := testRelation(projectId, a, b)
	bc := testRelation(projectId, b, c)
	ac := testRelation(projectId, a, c)
	assert.Equal(t, store.AddRelation(ab), true)
	assert.Equal(t, store.AddRelation(bc), true)
	assert.Equal(t, store.AddRelation(ac), true)

	removedRelationIds, removed := store.RemoveBlock(b.Id)
	assert.Equal(t, removed, true)

	// every relation where b is source or target is pruned immediately
	assert.Equal(t, len(removedRelationIds), 2)
	assert.Equal(t, len(store.Relations()), 1)
	assert.Equal(t, store.Relations()[0].Id, ac.Id)
	assert.Equal(t, len(store.Edges()), 1)
	assert.Equal(t, len(store.Nodes()), 2)

	// removing again is a no-op
	_, removed = store.RemoveBlock(b.Id)
	assert.Equal(t, removed, false)
}

func TestAddRelationRequiresEndpoints(t *testing.T) {
	projectId := canvas.NewId()
	store := canvas.NewGraphStore(projectId)

	a := testBlock(projectId, "A", "notion")
	store.AddBlock(a)

	dangling := &canvas.Relation{
		Id:            canvas.NewId(),
		ProjectId:     projectId,
		SourceBlockId: a.Id,
		TargetBlockId: canvas.NewId(),
	}
	assert.Equal(t, store.AddRelation(dangling), false)
	assert.Equal(t, len(store.Relations()), 0)
	assert.Equal(t, len(store.Edges()), 0)
}

func TestProjectionsInLockstep(t *testing.T) {
	projectId := canvas.NewId()
	store := canvas.NewGraphStore(projectId)

	a := testBlock(projectId, "A", "notion")
	b := testBlock(projectId, "B", "logic")
	b.Metadata = map[string]any{
		"logicType": "condition",
	}
	store.AddBlock(a)
	store.AddBlock(b)
	store.AddRelation(testRelation(projectId, a, b))

	nodes := store.Nodes()
	assert.Equal(t, len(store.Blocks()), len(nodes))
	assert.Equal(t, len(store.Relations()), len(store.Edges()))
	assert.Equal(t, nodes[1].Renderer, "logic-condition")

	assert.Equal(t, store.SetBlockPosition(a.Id, 500.4, 300.2), true)
	assert.Equal(t, store.Block(a.Id).PositionX, 500.4)
	assert.Equal(t, store.Nodes()[0].Position, canvas.Position{X: 500.4, Y: 300.2})

	updated := *b
	updated.Title = "B2"
	assert.Equal(t, store.UpdateBlock(&updated), true)
	assert.Equal(t, store.Nodes()[1].Data.Label, "B2")

	changeCount := 0
	remove := store.AddChangeCallback(func() {
		changeCount += 1
	})
	defer remove()
	store.SetBlockPosition(a.Id, 1, 2)
	assert.Equal(t, changeCount, 1)
}

func TestSnapshot(t *testing.T) {
	projectId := canvas.NewId()
	store := canvas.NewGraphStore(projectId)

	a := testBlock(projectId, "A", "notion")
	a.PositionX = 11
	a.PositionY = 22
	store.AddBlock(a)

	snapshot := store.Snapshot()
	assert.Equal(t, len(snapshot.Nodes), 1)
	assert.Equal(t, len(snapshot.Edges), 0)
	assert.Equal(t, snapshot.NodePositions[a.Id.String()], canvas.Position{X: 11, Y: 22})
}
