package main

import (
	"errors"

	"github.com/nats-io/nats.go"
)

// errKeyNotFound is the bucket-level miss sentinel. Directory code maps it to
// its own not-found outcomes so HTTP handlers never see the NATS error.
var errKeyNotFound = errors.New("key not found")

// kvBucket is the slice of the JetStream KV API the directory needs. Tests
// substitute an in-memory implementation.
type kvBucket interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Keys() ([]string, error)
}

// natsBucket adapts a JetStream KeyValue bucket to kvBucket.
type natsBucket struct {
	kv nats.KeyValue
}

func (b natsBucket) Get(key string) ([]byte, error) {
	entry, err := b.kv.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, errKeyNotFound
		}
		return nil, err
	}
	return entry.Value(), nil
}

func (b natsBucket) Put(key string, value []byte) error {
	_, err := b.kv.Put(key, value)
	return err
}

func (b natsBucket) Delete(key string) error {
	err := b.kv.Delete(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (b natsBucket) Keys() ([]string, error) {
	keys, err := b.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	return keys, err
}
