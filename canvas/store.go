package canvas

import (
	"context"
	"sync"

	"golang.org/x/exp/slices"
)

type GraphChangeFunction func()

// GraphStore holds the client-side view of one project's canvas: the block
// and relation arrays, and the node and edge render projections derived from
// them. The two representations are always mutated together under the same
// lock acquisition, so a reader can never observe a block without its node
// or a relation without its edge.
type GraphStore struct {
	projectId Id
	registry  *KindRegistry

	mutex     sync.Mutex
	blocks    []*Block
	relations []*Relation
	nodes     []*Node
	edges     []*Edge

	changeCallbacks CallbackList[GraphChangeFunction]
}

func NewGraphStore(projectId Id) *GraphStore {
	return NewGraphStoreWithRegistry(projectId, defaultRegistry)
}

func NewGraphStoreWithRegistry(projectId Id, registry *KindRegistry) *GraphStore {
	return &GraphStore{
		projectId: projectId,
		registry:  registry,
	}
}

func (self *GraphStore) ProjectId() Id {
	return self.projectId
}

func (self *GraphStore) AddChangeCallback(changeCallback GraphChangeFunction) func() {
	return self.changeCallbacks.Add(changeCallback)
}

func (self *GraphStore) changed() {
	for _, changeCallback := range self.changeCallbacks.Get() {
		changeCallback()
	}
}

// Load fetches blocks and relations concurrently and replaces the graph
// atomically. On any fetch failure the graph is replaced with an empty one
// and the error is returned. A partially applied graph is never visible.
func (self *GraphStore) Load(ctx context.Context, api *CanvasApi) error {
	blocksCallback, blocksC := NewBlockingApiCallback[*ListBlocksResult](ctx)
	relationsCallback, relationsC := NewBlockingApiCallback[*ListRelationsResult](ctx)

	api.ListBlocks(self.projectId, blocksCallback)
	api.ListRelations(self.projectId, relationsCallback)

	var blocks []*Block
	var relations []*Relation
	var loadErr error

	select {
	case blocksResult := <-blocksC:
		if blocksResult.Error != nil {
			loadErr = blocksResult.Error
		} else {
			blocks = blocksResult.Result.Blocks
		}
	case <-ctx.Done():
		loadErr = ctx.Err()
	}

	select {
	case relationsResult := <-relationsC:
		if relationsResult.Error != nil {
			loadErr = relationsResult.Error
		} else {
			relations = relationsResult.Result.Relations
		}
	case <-ctx.Done():
		if loadErr == nil {
			loadErr = ctx.Err()
		}
	}

	if loadErr != nil {
		self.replace(nil, nil)
		return loadErr
	}

	self.replace(blocks, relations)
	return nil
}

func (self *GraphStore) replace(blocks []*Block, relations []*Relation) {
	nodes := make([]*Node, 0, len(blocks))
	for _, block := range blocks {
		nodes = append(nodes, NodeFromBlock(block, self.registry))
	}
	edges := make([]*Edge, 0, len(relations))
	for _, relation := range relations {
		edges = append(edges, EdgeFromRelation(relation))
	}

	self.mutex.Lock()
	self.blocks = blocks
	self.relations = relations
	self.nodes = nodes
	self.edges = edges
	self.mutex.Unlock()

	self.changed()
}

func (self *GraphStore) AddBlock(block *Block) {
	node := NodeFromBlock(block, self.registry)

	self.mutex.Lock()
	self.blocks = append(self.blocks, block)
	self.nodes = append(self.nodes, node)
	self.mutex.Unlock()

	self.changed()
}

func (self *GraphStore) UpdateBlock(block *Block) bool {
	node := NodeFromBlock(block, self.registry)

	self.mutex.Lock()
	i := slices.IndexFunc(self.blocks, func(b *Block) bool {
		return b.Id == block.Id
	})
	if i < 0 {
		self.mutex.Unlock()
		return false
	}
	self.blocks[i] = block
	self.nodes[i] = node
	self.mutex.Unlock()

	self.changed()
	return true
}

// moves a block locally without touching any other block field
func (self *GraphStore) SetBlockPosition(blockId Id, x float64, y float64) bool {
	self.mutex.Lock()
	i := slices.IndexFunc(self.blocks, func(b *Block) bool {
		return b.Id == blockId
	})
	if i < 0 {
		self.mutex.Unlock()
		return false
	}
	block := *self.blocks[i]
	block.PositionX = x
	block.PositionY = y
	self.blocks[i] = &block

	node := *self.nodes[i]
	node.Position = Position{X: x, Y: y}
	self.nodes[i] = &node
	self.mutex.Unlock()

	self.changed()
	return true
}

// RemoveBlock removes the block, its node, and every relation/edge touching
// it. Dangling edges are pruned here, not left for the next full reload.
// Returns the ids of the pruned relations.
func (self *GraphStore) RemoveBlock(blockId Id) (removedRelationIds []Id, removed bool) {
	self.mutex.Lock()
	i := slices.IndexFunc(self.blocks, func(b *Block) bool {
		return b.Id == blockId
	})
	if i < 0 {
		self.mutex.Unlock()
		return nil, false
	}
	self.blocks = slices.Delete(self.blocks, i, i+1)
	self.nodes = slices.Delete(self.nodes, i, i+1)

	keptRelations := make([]*Relation, 0, len(self.relations))
	keptEdges := make([]*Edge, 0, len(self.edges))
	for j, relation := range self.relations {
		if relation.SourceBlockId == blockId || relation.TargetBlockId == blockId {
			removedRelationIds = append(removedRelationIds, relation.Id)
			continue
		}
		keptRelations = append(keptRelations, relation)
		keptEdges = append(keptEdges, self.edges[j])
	}
	self.relations = keptRelations
	self.edges = keptEdges
	self.mutex.Unlock()

	self.changed()
	return removedRelationIds, true
}

// both endpoints must already exist in the store
func (self *GraphStore) AddRelation(relation *Relation) bool {
	edge := EdgeFromRelation(relation)

	self.mutex.Lock()
	sourceOk := slices.ContainsFunc(self.blocks, func(b *Block) bool {
		return b.Id == relation.SourceBlockId
	})
	targetOk := slices.ContainsFunc(self.blocks, func(b *Block) bool {
		return b.Id == relation.TargetBlockId
	})
	if !sourceOk || !targetOk {
		self.mutex.Unlock()
		return false
	}
	self.relations = append(self.relations, relation)
	self.edges = append(self.edges, edge)
	self.mutex.Unlock()

	self.changed()
	return true
}

func (self *GraphStore) RemoveRelation(relationId Id) bool {
	self.mutex.Lock()
	i := slices.IndexFunc(self.relations, func(r *Relation) bool {
		return r.Id == relationId
	})
	if i < 0 {
		self.mutex.Unlock()
		return false
	}
	self.relations = slices.Delete(self.relations, i, i+1)
	self.edges = slices.Delete(self.edges, i, i+1)
	self.mutex.Unlock()

	self.changed()
	return true
}

func (self *GraphStore) Block(blockId Id) *Block {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.IndexFunc(self.blocks, func(b *Block) bool {
		return b.Id == blockId
	})
	if i < 0 {
		return nil
	}
	return self.blocks[i]
}

func (self *GraphStore) Blocks() []*Block {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.blocks)
}

func (self *GraphStore) Relations() []*Relation {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.relations)
}

func (self *GraphStore) Nodes() []*Node {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.nodes)
}

func (self *GraphStore) Edges() []*Edge {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.edges)
}

// snapshot for the best-effort canvas-data save
func (self *GraphStore) Snapshot() *SaveCanvasDataArgs {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	nodePositions := make(map[string]Position, len(self.nodes))
	for _, node := range self.nodes {
		nodePositions[node.Id.String()] = node.Position
	}
	return &SaveCanvasDataArgs{
		Nodes:         slices.Clone(self.nodes),
		Edges:         slices.Clone(self.edges),
		NodePositions: nodePositions,
	}
}
