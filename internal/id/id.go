// Package id выдает ULID идентификаторы для записей журнала сделок.
package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu   sync.Mutex
	mono io.Reader
)

func init() {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	// внутри одной миллисекунды id монотонно растут
	mono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// New возвращает ULID для текущего момента
func New() string {
	return NewAt(time.Now())
}

// NewAt возвращает ULID с меткой времени t
func NewAt(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(t.UTC()), mono)
	if err != nil {
		// время пошло назад внутри монотонного генератора
		id = ulid.MustNew(ulid.Timestamp(t.UTC()), cryptoRand.Reader)
	}
	return id.String()
}
