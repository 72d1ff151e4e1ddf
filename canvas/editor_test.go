package canvas

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestRealtimeAttachConcurrentWithBroadcast(t *testing.T) {
	editor := &Editor{}
	controller := newDetachedController("me")
	defer controller.cancel()

	// attaching and detaching the controller while broadcasts are in
	// flight must be safe, a broadcast sees either the controller or nil
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i += 1 {
			editor.broadcast(ActivityNodeUpdated, "n", nil)
		}
	}()
	for i := 0; i < 1000; i += 1 {
		editor.SetRealtime(controller)
		editor.SetRealtime(nil)
	}
	<-done

	editor.SetRealtime(controller)
	assert.Equal(t, editor.Realtime(), controller)

	editor.broadcast(ActivityNodeCreated, "attached", nil)
	activity := controller.Activity()
	assert.Equal(t, activity[0].Action, ActivityNodeCreated)
	assert.Equal(t, activity[0].Target, "attached")
}
