package canvas_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/momentoboard/canvas/canvas"
	"github.com/momentoboard/canvas/hub"
)

func testJwt(t *testing.T, userId string, userName string) string {
	t.Helper()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub":  userId,
		"name": userName,
	})
	jwt, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return jwt
}

func testHub(t *testing.T) (hubUrl string, closeHub func()) {
	t.Helper()
	h := hub.NewHubWithDefaults(context.Background())
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	server := httptest.NewServer(mux)
	hubUrl = strings.Replace(server.URL, "http://", "ws://", 1) + "/ws"
	return hubUrl, func() {
		server.Close()
		h.Close()
	}
}

func testRealtimeSettings() *canvas.RealtimeControllerSettings {
	settings := canvas.DefaultRealtimeControllerSettings()
	settings.ReconnectTimeout = 100 * time.Millisecond
	settings.CursorThrottle = 10 * time.Millisecond
	settings.SweepInterval = 100 * time.Millisecond
	return settings
}

// the full editing session: load an empty project, create blocks, drag,
// connect, delete, with two collaborators on the project channel
func TestEditingScenario(t *testing.T) {
	platform := newTestPlatform()
	defer platform.close()

	hubUrl, closeHub := testHub(t)
	defer closeHub()

	projectId := canvas.NewId()

	aliceSession := canvas.NewSession(platform.server.URL, testJwt(t, "alice", "Alice"), "")
	bobSession := canvas.NewSession(platform.server.URL, testJwt(t, "bob", "Bob"), "")

	editorSettings := canvas.DefaultEditorSettings()
	editorSettings.Scheduler = testSchedulerSettings()
	editor := canvas.NewEditor(context.Background(), aliceSession, projectId, editorSettings)
	defer editor.Close()

	alice := canvas.NewRealtimeController(context.Background(), hubUrl, projectId, aliceSession, testRealtimeSettings())
	defer alice.Close()
	editor.SetRealtime(alice)

	bob := canvas.NewRealtimeController(context.Background(), hubUrl, projectId, bobSession, testRealtimeSettings())
	defer bob.Close()

	waitFor(t, 3*time.Second, func() bool {
		return alice.IsConnected() && bob.IsConnected()
	})

	// empty project loads to an empty graph with no error
	err := editor.Load(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, len(editor.Store().Nodes()), 0)
	assert.Equal(t, len(editor.Store().Edges()), 0)

	// create block A. the node appears with the notion default ports
	blockA, err := editor.CreateBlock(context.Background(), &canvas.CreateBlockArgs{
		Title:     "A",
		Type:      "notion",
		PositionX: 100,
		PositionY: 100,
	})
	assert.Equal(t, err, nil)

	nodes := editor.Store().Nodes()
	assert.Equal(t, len(nodes), 1)
	assert.Equal(t, nodes[0].Renderer, "notion")
	assert.Equal(t, len(nodes[0].Data.Inputs), 1)
	assert.Equal(t, len(nodes[0].Data.Outputs), 1)

	// drag A and wait out the debounce: exactly one batch call with the
	// final position
	assert.Equal(t, editor.MoveBlock(blockA.Id, 480, 290), true)
	assert.Equal(t, editor.MoveBlock(blockA.Id, 500, 300), true)

	waitFor(t, 3*time.Second, func() bool {
		return platform.batchCallCount() == 1
	})
	updates := platform.lastBatchCall()
	assert.Equal(t, len(updates), 1)
	assert.Equal(t, updates[0].Id, blockA.Id)
	assert.Equal(t, updates[0].PositionX, float64(500))
	assert.Equal(t, updates[0].PositionY, float64(300))

	// connect A to a new block B
	blockB, err := editor.CreateBlock(context.Background(), &canvas.CreateBlockArgs{
		Title:     "B",
		Type:      "openai",
		PositionX: 700,
		PositionY: 100,
	})
	assert.Equal(t, err, nil)

	relation, err := editor.ConnectBlocks(context.Background(), blockA.Id, blockB.Id, "default")
	assert.Equal(t, err, nil)
	assert.Equal(t, relation.SourceBlockId, blockA.Id)
	assert.Equal(t, relation.TargetBlockId, blockB.Id)
	assert.Equal(t, len(editor.Store().Edges()), 1)

	// alice's own feed has the edge_created without a round trip
	foundLocal := false
	for _, event := range alice.Activity() {
		if event.Action == canvas.ActivityEdgeCreated {
			foundLocal = true
		}
	}
	assert.Equal(t, foundLocal, true)

	// and it reaches bob over the channel
	waitFor(t, 3*time.Second, func() bool {
		for _, event := range bob.Activity() {
			if event.Action == canvas.ActivityEdgeCreated && event.UserId == "alice" {
				return true
			}
		}
		return false
	})

	// drag A again so there is a pending entry, then delete A:
	// the node goes, the A->B edge goes, and no pending position survives
	editor.MoveBlock(blockA.Id, 600, 400)
	assert.Equal(t, editor.Scheduler().PendingCount(), 1)

	assert.Equal(t, editor.DeleteBlock(blockA.Id), true)
	assert.Equal(t, len(editor.Store().Nodes()), 1)
	assert.Equal(t, len(editor.Store().Edges()), 0)
	assert.Equal(t, editor.Scheduler().PendingCount(), 0)

	waitFor(t, 3*time.Second, func() bool {
		for _, event := range bob.Activity() {
			if event.Action == canvas.ActivityNodeDeleted && event.Target == "A" {
				return true
			}
		}
		return false
	})
}

func TestPresenceRoundTrip(t *testing.T) {
	platform := newTestPlatform()
	defer platform.close()

	hubUrl, closeHub := testHub(t)
	defer closeHub()

	projectId := canvas.NewId()
	aliceSession := canvas.NewSession(platform.server.URL, testJwt(t, "alice", "Alice"), "")
	bobSession := canvas.NewSession(platform.server.URL, testJwt(t, "bob", "Bob"), "")

	alice := canvas.NewRealtimeController(context.Background(), hubUrl, projectId, aliceSession, testRealtimeSettings())
	defer alice.Close()

	bob := canvas.NewRealtimeController(context.Background(), hubUrl, projectId, bobSession, testRealtimeSettings())
	defer bob.Close()

	waitFor(t, 3*time.Second, func() bool {
		return alice.IsConnected() && bob.IsConnected()
	})

	// the joiner sees the earlier peer through the presence snapshot,
	// the earlier peer sees the joiner through the join frame
	waitFor(t, 3*time.Second, func() bool {
		return len(alice.Cursors()) == 1 && len(bob.Cursors()) == 1
	})
	assert.Equal(t, bob.Cursors()[0].UserId, "alice")
	assert.Equal(t, bob.Cursors()[0].UserColor, canvas.UserColor("alice"))

	// alice joined first, so only alice is guaranteed to see bob's join
	// frame (bob sees alice through the snapshot, which has no join event)
	waitFor(t, 3*time.Second, func() bool {
		for _, event := range alice.Activity() {
			if event.Action == canvas.ActivityUserJoined && event.UserId == "bob" {
				return true
			}
		}
		return false
	})

	// throttled cursor movement reaches bob
	alice.UpdateCursor(111, 222)
	waitFor(t, 3*time.Second, func() bool {
		cursors := bob.Cursors()
		return len(cursors) == 1 && cursors[0].Position == canvas.CursorPosition{X: 111, Y: 222}
	})

	// selection propagates and clears
	nodeId := canvas.NewId().String()
	alice.UpdateSelection(nodeId, &canvas.SelectionBounds{X: 1, Y: 2, Width: 280, Height: 120})
	waitFor(t, 3*time.Second, func() bool {
		selections := bob.Selections()
		return len(selections) == 1 && selections[0].SelectedNodeId == nodeId
	})

	alice.UpdateSelection("", nil)
	waitFor(t, 3*time.Second, func() bool {
		return len(bob.Selections()) == 0
	})

	// leave: alice disconnects, bob prunes her and records user_left
	alice.Close()
	waitFor(t, 3*time.Second, func() bool {
		if len(bob.Cursors()) != 0 {
			return false
		}
		for _, event := range bob.Activity() {
			if event.Action == canvas.ActivityUserLeft && event.UserId == "alice" {
				return true
			}
		}
		return false
	})
}
