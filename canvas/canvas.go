package canvas

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/oklog/ulid/v2"
	"golang.org/x/exp/slices"
)

// comparable
// ids are ordered by create time when generated from the same source
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func RequireParseId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[:], b[:]) < 0
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// the fixed collaborator palette
// a user keeps the same color across sessions and across clients
// without any server coordination, since the color is a pure function of the user id
var userPalette = []string{
	"#ef4444",
	"#f97316",
	"#f59e0b",
	"#84cc16",
	"#22c55e",
	"#14b8a6",
	"#06b6d4",
	"#3b82f6",
	"#8b5cf6",
	"#a855f7",
	"#ec4899",
	"#f43f5e",
}

func UserColor(userId string) string {
	h := fnv.New32a()
	h.Write([]byte(userId))
	return userPalette[h.Sum32()%uint32(len(userPalette))]
}

// callbacks are keyed by registration id since function values are not comparable.
// `Get` returns a snapshot in registration order, so callbacks can be invoked
// without holding the lock
type CallbackList[T any] struct {
	mutex     sync.Mutex
	nextId    int
	order     []int
	callbacks map[int]T
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	out := make([]T, 0, len(self.order))
	for _, id := range self.order {
		out = append(out, self.callbacks[id])
	}
	return out
}

// returns a function to remove the callback
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.callbacks == nil {
		self.callbacks = map[int]T{}
	}
	callbackId := self.nextId
	self.nextId += 1
	self.order = append(self.order, callbackId)
	self.callbacks[callbackId] = callback
	return func() {
		self.remove(callbackId)
	}
}

func (self *CallbackList[T]) remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.order, callbackId)
	if i < 0 {
		// not present
		return
	}
	self.order = slices.Delete(slices.Clone(self.order), i, i+1)
	delete(self.callbacks, callbackId)
}
