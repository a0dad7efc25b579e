// Package serde is the key codec registry (spec §4.1, C2): a fixed set of
// named (serializer, deserializer, keyType) entries plus a designated
// default, registered once at construction and immutable thereafter.
//
// Grounded on the teacher's internal/settings.Manager, which exposes a
// fixed set of named typed accessors over a backing store; here the
// backing store is replaced by an in-process map built at construction,
// since key codecs are a compile-time concern, not runtime-configured data.
package serde

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/docxology/kstreams-autopilot/internal/apperr"
)

// Serializer turns a typed key into the bytes used for routing and for the
// wire request body.
type Serializer func(key any) ([]byte, error)

// Deserializer turns bytes back into the typed key.
type Deserializer func(b []byte) (any, error)

// Entry is one registered codec.
type Entry struct {
	Name         string
	Serializer   Serializer
	Deserializer Deserializer
	KeyType      reflect.Type
}

// Registry holds the configured set of entries plus the designated default.
type Registry struct {
	entries map[string]Entry
	def     Entry
}

// NewDefaultRegistry builds the registry with the String, Long (int64) and
// Integer (int32) codecs used across the test scenarios in spec §8, with
// String as the default.
func NewDefaultRegistry() *Registry {
	r := &Registry{entries: map[string]Entry{}}
	r.register(Entry{
		Name: "StringSerde",
		Serializer: func(key any) ([]byte, error) {
			s, ok := key.(string)
			if !ok {
				return nil, fmt.Errorf("%w: not a string", apperr.ErrKeyConversion)
			}
			return []byte(s), nil
		},
		Deserializer: func(b []byte) (any, error) { return string(b), nil },
		KeyType:      reflect.TypeOf(""),
	})
	r.register(Entry{
		Name: "LongSerde",
		Serializer: func(key any) ([]byte, error) {
			v, ok := key.(int64)
			if !ok {
				return nil, fmt.Errorf("%w: not an int64", apperr.ErrKeyConversion)
			}
			return []byte(strconv.FormatInt(v, 10)), nil
		},
		Deserializer: func(b []byte) (any, error) {
			n, err := strconv.ParseInt(string(b), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", apperr.ErrDeserialization, err)
			}
			return n, nil
		},
		KeyType: reflect.TypeOf(int64(0)),
	})
	r.register(Entry{
		Name: "IntegerSerde",
		Serializer: func(key any) ([]byte, error) {
			v, ok := key.(int32)
			if !ok {
				return nil, fmt.Errorf("%w: not an int32", apperr.ErrKeyConversion)
			}
			return []byte(strconv.FormatInt(int64(v), 10)), nil
		},
		Deserializer: func(b []byte) (any, error) {
			n, err := strconv.ParseInt(string(b), 10, 32)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", apperr.ErrDeserialization, err)
			}
			return int32(n), nil
		},
		KeyType: reflect.TypeOf(int32(0)),
	})
	r.def = r.entries["StringSerde"]
	return r
}

func (r *Registry) register(e Entry) { r.entries[e.Name] = e }

// Default returns the registry's designated default entry.
func (r *Registry) Default() Entry { return r.def }

// ByName looks up a registered entry by name, failing with UnknownSerde.
func (r *Registry) ByName(className string) (Entry, error) {
	e, ok := r.entries[className]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", apperr.ErrUnknownSerde, className)
	}
	return e, nil
}

// KeyTypeOf returns the concrete type the entry's deserializer produces.
func (r *Registry) KeyTypeOf(e Entry) reflect.Type { return e.KeyType }

// ConvertString converts a stringified key into the entry's key type,
// the "conversion service" referenced in spec §4.5 step 2. Conversion
// failures are reported as KeyConversion, matching S7's
// NumberFormatException-shaped message.
func ConvertString(e Entry, s string) (any, error) {
	switch e.KeyType.Kind() {
	case reflect.String:
		return s, nil
	case reflect.Int64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: NumberFormatException: %v", apperr.ErrKeyConversion, err)
		}
		return n, nil
	case reflect.Int32:
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: NumberFormatException: %v", apperr.ErrKeyConversion, err)
		}
		return int32(n), nil
	default:
		return nil, fmt.Errorf("%w: unsupported key type %s", apperr.ErrKeyConversion, e.KeyType)
	}
}
