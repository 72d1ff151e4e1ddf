package canvas

import (
	"encoding/json"
	"flag"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestIdOrder(t *testing.T) {
	// ids from the same source are ordered by create time.
	// activity events rely on this for stable feed ordering

	a := NewId()
	for range 4096 {
		b := NewId()
		assert.Equal(t, a.LessThan(b), true)
		assert.Equal(t, b.LessThan(a), false)
		assert.Equal(t, b == a, false)
		a = b
	}
}

func TestIdJsonCodec(t *testing.T) {
	type Test struct {
		A Id  `json:"a,omitempty"`
		B *Id `json:"b,omitempty"`
	}

	test1 := &Test{}
	test1.A = NewId()
	b_ := NewId()
	test1.B = &b_

	test1Json, err := json.Marshal(test1)
	assert.Equal(t, err, nil)

	test2 := &Test{}
	err = json.Unmarshal(test1Json, test2)
	assert.Equal(t, err, nil)

	assert.Equal(t, test1.A, test2.A)
	assert.Equal(t, test1.B, test2.B)

	id, err := ParseId(test1.A.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, id, test1.A)
}

func TestUserColorStability(t *testing.T) {
	// same user id, same color, always. across calls and across instances

	colors := map[string]bool{}
	for _, userId := range []string{"alice", "bob", "carol", "2f1e", ""} {
		c := UserColor(userId)
		for range 100 {
			assert.Equal(t, UserColor(userId), c)
		}
		found := false
		for _, p := range userPalette {
			if p == c {
				found = true
			}
		}
		assert.Equal(t, found, true)
		colors[c] = true
	}
}

func TestCallbackList(t *testing.T) {
	callbackList := &CallbackList[func()]{}

	count1 := 0
	count2 := 0
	remove1 := callbackList.Add(func() {
		count1 += 1
	})
	callbackList.Add(func() {
		count2 += 1
	})

	for _, callback := range callbackList.Get() {
		callback()
	}
	assert.Equal(t, count1, 1)
	assert.Equal(t, count2, 1)

	remove1()
	// removing twice is a no-op
	remove1()

	for _, callback := range callbackList.Get() {
		callback()
	}
	assert.Equal(t, count1, 1)
	assert.Equal(t, count2, 2)
}
