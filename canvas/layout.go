package canvas

import (
	"math"
)

type GridLayoutSettings struct {
	StartX  float64
	StartY  float64
	Spacing float64
	// when positive, overrides the column policy
	Columns int
}

// spacing leaves breathing room between 280px wide cards
func DefaultGridLayoutSettings() *GridLayoutSettings {
	return &GridLayoutSettings{
		StartX:  150,
		StartY:  150,
		Spacing: 350,
	}
}

type GridInfo struct {
	Columns    int `json:"columns"`
	Spacing    int `json:"spacing"`
	TotalNodes int `json:"totalNodes"`
}

// column policy, tuned for visual balance over pure squareness at small counts
func gridColumns(nodeCount int) int {
	switch {
	case nodeCount <= 0:
		return 0
	case nodeCount <= 4:
		return min(nodeCount, 2)
	case nodeCount <= 9:
		return 3
	case nodeCount <= 16:
		return 4
	default:
		return min(5, int(math.Ceil(math.Sqrt(float64(nodeCount)))))
	}
}

// ApplyGridLayout recomputes node positions into a grid. Pure: the input
// slice and its nodes are left untouched, and node order is preserved, so
// the same ordered input always produces the same output.
//
// The engine does not persist. The caller pushes the returned nodes into the
// graph store and submits the same positions through the persistence
// gateway, directly or via the position scheduler.
func ApplyGridLayout(nodes []*Node, settings *GridLayoutSettings) ([]*Node, *GridInfo) {
	if settings == nil {
		settings = DefaultGridLayoutSettings()
	}

	columns := settings.Columns
	if columns <= 0 {
		columns = gridColumns(len(nodes))
	}

	gridInfo := &GridInfo{
		Columns:    columns,
		Spacing:    int(settings.Spacing),
		TotalNodes: len(nodes),
	}
	if len(nodes) == 0 {
		return []*Node{}, gridInfo
	}

	laidOut := make([]*Node, 0, len(nodes))
	for i, node := range nodes {
		row := i / columns
		col := i % columns
		next := *node
		next.Position = Position{
			X: settings.StartX + float64(col)*settings.Spacing,
			Y: settings.StartY + float64(row)*settings.Spacing,
		}
		laidOut = append(laidOut, &next)
	}
	return laidOut, gridInfo
}
