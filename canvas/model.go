package canvas

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// A block is one card on the canvas. `Type` is an open tag selecting the
// renderer and the default port layout via the kind registry. It is not a
// closed enum at the data level, so unknown types degrade to the generic kind.
type Block struct {
	Id          Id             `json:"id"`
	ProjectId   Id             `json:"project_id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Type        string         `json:"type"`
	Status      string         `json:"status"`
	PositionX   float64        `json:"position_x"`
	PositionY   float64        `json:"position_y"`
	Width       float64        `json:"width,omitempty"`
	Height      float64        `json:"height,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at,omitempty"`
}

// A relation is a directed connection between two block ports.
// Both endpoints must reference blocks in the same project.
type Relation struct {
	Id            Id             `json:"id"`
	ProjectId     Id             `json:"project_id"`
	SourceBlockId Id             `json:"source_block_id"`
	TargetBlockId Id             `json:"target_block_id"`
	Type          string         `json:"type"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at,omitempty"`
}

// variant discriminator for logic blocks, carried in `metadata.logicType`
type LogicType string

const (
	LogicNone      LogicType = ""
	LogicGroup     LogicType = "group"
	LogicCondition LogicType = "condition"
	LogicLoop      LogicType = "loop"
	LogicDecision  LogicType = "decision"
	LogicFilter    LogicType = "filter"
	LogicMerge     LogicType = "merge"
	LogicWorkflow  LogicType = "workflow"
	LogicValidator LogicType = "validator"
)

func LogicTypes() []LogicType {
	return []LogicType{
		LogicGroup,
		LogicCondition,
		LogicLoop,
		LogicDecision,
		LogicFilter,
		LogicMerge,
		LogicWorkflow,
		LogicValidator,
	}
}

func (self LogicType) Valid() bool {
	switch self {
	case LogicGroup, LogicCondition, LogicLoop, LogicDecision,
		LogicFilter, LogicMerge, LogicWorkflow, LogicValidator:
		return true
	default:
		return false
	}
}

type LogicMeta struct {
	LogicType  LogicType
	Conditions []string
	Collapsed  bool
}

// decodes the free-form metadata bag of a logic block.
// missing or malformed fields decode to zero values rather than erroring,
// since metadata written by older clients can be sparse
func LogicMetaFromBlock(block *Block) *LogicMeta {
	meta := &LogicMeta{}
	if block == nil || block.Metadata == nil {
		return meta
	}
	if logicType, ok := block.Metadata["logicType"].(string); ok {
		meta.LogicType = LogicType(logicType)
	}
	if conditions, ok := block.Metadata["conditions"].([]any); ok {
		for _, c := range conditions {
			if s, ok := c.(string); ok {
				meta.Conditions = append(meta.Conditions, s)
			}
		}
	}
	if collapsed, ok := block.Metadata["collapsed"].(bool); ok {
		meta.Collapsed = collapsed
	}
	return meta
}

type PortSpec struct {
	Id    string `json:"id"`
	Label string `json:"label"`
}

// A block kind binds a (type, logicType) tag pair to a renderer capability
// and the default port layout. Adding a new block type is a single
// `RegisterBlockKind` call.
type BlockKind struct {
	Type     string
	Logic    LogicType
	Renderer string
	Inputs   []PortSpec
	Outputs  []PortSpec
}

type kindKey struct {
	blockType string
	logic     LogicType
}

type KindRegistry struct {
	mutex sync.Mutex
	kinds map[kindKey]*BlockKind
}

func NewKindRegistry() *KindRegistry {
	return &KindRegistry{
		kinds: map[kindKey]*BlockKind{},
	}
}

func (self *KindRegistry) Register(kind *BlockKind) error {
	if kind.Type == "" {
		return fmt.Errorf("block kind missing type")
	}
	if kind.Logic != LogicNone && !kind.Logic.Valid() {
		return fmt.Errorf("unknown logic type %q", kind.Logic)
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.kinds[kindKey{kind.Type, kind.Logic}] = kind
	return nil
}

// resolution order: exact (type, logicType), then (type), then generic
func (self *KindRegistry) Resolve(blockType string, logic LogicType) *BlockKind {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if kind, ok := self.kinds[kindKey{blockType, logic}]; ok {
		return kind
	}
	if kind, ok := self.kinds[kindKey{blockType, LogicNone}]; ok {
		return kind
	}
	return genericKind
}

var genericKind = &BlockKind{
	Type:     "generic",
	Renderer: "generic",
	Inputs:   []PortSpec{{Id: "in", Label: "Input"}},
	Outputs:  []PortSpec{{Id: "out", Label: "Output"}},
}

var defaultRegistry = NewKindRegistry()

func RegisterBlockKind(kind *BlockKind) error {
	return defaultRegistry.Register(kind)
}

func ResolveBlockKind(blockType string, logic LogicType) *BlockKind {
	return defaultRegistry.Resolve(blockType, logic)
}

func init() {
	connectors := []struct {
		blockType string
		inputs    []PortSpec
		outputs   []PortSpec
	}{
		{"notion", []PortSpec{{"page", "Page"}}, []PortSpec{{"content", "Content"}}},
		{"openai", []PortSpec{{"prompt", "Prompt"}, {"context", "Context"}}, []PortSpec{{"completion", "Completion"}}},
		{"claude", []PortSpec{{"prompt", "Prompt"}, {"context", "Context"}}, []PortSpec{{"completion", "Completion"}}},
		{"figma", []PortSpec{{"file", "File"}}, []PortSpec{{"frames", "Frames"}}},
	}
	for _, c := range connectors {
		RegisterBlockKind(&BlockKind{
			Type:     c.blockType,
			Renderer: c.blockType,
			Inputs:   c.inputs,
			Outputs:  c.outputs,
		})
	}

	for _, logic := range LogicTypes() {
		kind := &BlockKind{
			Type:     "logic",
			Logic:    logic,
			Renderer: fmt.Sprintf("logic-%s", logic),
			Inputs:   []PortSpec{{Id: "in", Label: "In"}},
			Outputs:  []PortSpec{{Id: "out", Label: "Out"}},
		}
		switch logic {
		case LogicCondition, LogicDecision:
			kind.Outputs = []PortSpec{{Id: "true", Label: "True"}, {Id: "false", Label: "False"}}
		case LogicMerge:
			kind.Inputs = []PortSpec{{Id: "a", Label: "A"}, {Id: "b", Label: "B"}}
		case LogicGroup:
			kind.Inputs = nil
			kind.Outputs = nil
		}
		RegisterBlockKind(kind)
	}
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// the render projection of a block
type Node struct {
	Id       Id       `json:"id"`
	Renderer string   `json:"renderer"`
	Position Position `json:"position"`
	Data     NodeData `json:"data"`
}

type NodeData struct {
	Label       string     `json:"label"`
	Description string     `json:"description,omitempty"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	Inputs      []PortSpec `json:"inputs,omitempty"`
	Outputs     []PortSpec `json:"outputs,omitempty"`
	Collapsed   bool       `json:"collapsed,omitempty"`
}

// the render projection of a relation
type Edge struct {
	Id     Id     `json:"id"`
	Source Id     `json:"source"`
	Target Id     `json:"target"`
	Type   string `json:"type"`
}

func NodeFromBlock(block *Block, registry *KindRegistry) *Node {
	logicMeta := LogicMetaFromBlock(block)
	var kind *BlockKind
	if registry != nil {
		kind = registry.Resolve(block.Type, logicMeta.LogicType)
	} else {
		kind = ResolveBlockKind(block.Type, logicMeta.LogicType)
	}
	return &Node{
		Id:       block.Id,
		Renderer: kind.Renderer,
		Position: Position{
			X: block.PositionX,
			Y: block.PositionY,
		},
		Data: NodeData{
			Label:       block.Title,
			Description: block.Description,
			Type:        block.Type,
			Status:      block.Status,
			Inputs:      kind.Inputs,
			Outputs:     kind.Outputs,
			Collapsed:   logicMeta.Collapsed,
		},
	}
}

func EdgeFromRelation(relation *Relation) *Edge {
	return &Edge{
		Id:     relation.Id,
		Source: relation.SourceBlockId,
		Target: relation.TargetBlockId,
		Type:   relation.Type,
	}
}

func FinitePosition(x float64, y float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0) && !math.IsNaN(y) && !math.IsInf(y, 0)
}

// positions are rounded to integers before persistence
func RoundPosition(v float64) float64 {
	return math.Round(v)
}
