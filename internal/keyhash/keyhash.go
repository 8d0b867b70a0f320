// Package keyhash maps routing keys onto shard indexes.
//
// Integer keys route by their own value, everything else through a stable
// FNV-1a hash of a canonical byte encoding. Nothing here depends on process
// state, so every process sharing a shard list computes the same index.
package keyhash

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"reflect"
	"strconv"
)

var (
	ErrNilKey         = errors.New("routing key is nil")
	ErrUnsupportedKey = errors.New("unsupported routing key type")
)

// Index returns the shard index in [0, n) for key.
func Index(key any, n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("shard count must be positive, got %d", n)
	}
	key, err := normalize(key)
	if err != nil {
		return 0, err
	}
	switch k := key.(type) {
	case nil:
		return 0, ErrNilKey
	case int:
		return floorMod(int64(k), n), nil
	case int8:
		return floorMod(int64(k), n), nil
	case int16:
		return floorMod(int64(k), n), nil
	case int32:
		return floorMod(int64(k), n), nil
	case int64:
		return floorMod(k, n), nil
	case uint:
		return int(uint64(k) % uint64(n)), nil
	case uint8:
		return int(uint64(k) % uint64(n)), nil
	case uint16:
		return int(uint64(k) % uint64(n)), nil
	case uint32:
		return int(uint64(k) % uint64(n)), nil
	case uint64:
		return int(k % uint64(n)), nil
	}

	b, err := Bytes(key)
	if err != nil {
		return 0, err
	}
	return int(Sum64(b) % uint64(n)), nil
}

// Bytes returns the canonical encoding of key used for hashing. Integers
// encode as their decimal representation so 10 and int64(10) agree.
func Bytes(key any) ([]byte, error) {
	key, err := normalize(key)
	if err != nil {
		return nil, err
	}
	switch k := key.(type) {
	case nil:
		return nil, ErrNilKey
	case string:
		return []byte(k), nil
	case []byte:
		if k == nil {
			return nil, ErrNilKey
		}
		return k, nil
	case int:
		return strconv.AppendInt(nil, int64(k), 10), nil
	case int8:
		return strconv.AppendInt(nil, int64(k), 10), nil
	case int16:
		return strconv.AppendInt(nil, int64(k), 10), nil
	case int32:
		return strconv.AppendInt(nil, int64(k), 10), nil
	case int64:
		return strconv.AppendInt(nil, k, 10), nil
	case uint:
		return strconv.AppendUint(nil, uint64(k), 10), nil
	case uint8:
		return strconv.AppendUint(nil, uint64(k), 10), nil
	case uint16:
		return strconv.AppendUint(nil, uint64(k), 10), nil
	case uint32:
		return strconv.AppendUint(nil, uint64(k), 10), nil
	case uint64:
		return strconv.AppendUint(nil, k, 10), nil
	case fmt.Stringer:
		return []byte(k.String()), nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
}

// normalize rejects typed nil pointers and turns integral json.Number
// values into int64, so a key decoded from JSON routes like the original.
func normalize(key any) (any, error) {
	if key == nil {
		return nil, ErrNilKey
	}
	if v := reflect.ValueOf(key); v.Kind() == reflect.Pointer && v.IsNil() {
		return nil, ErrNilKey
	}
	if n, ok := key.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
	}
	return key, nil
}

// Sum64 is the FNV-1a 64 bit hash of b.
func Sum64(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func floorMod(v int64, n int) int {
	m := v % int64(n)
	if m < 0 {
		m += int64(n)
	}
	return int(m)
}
