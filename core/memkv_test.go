package core

import "sort"

// memKV is an in-memory StateKV used by unit tests that exercise the
// ledger/validator/mempool logic without depending on the pebble-backed
// storage engine.
type memKV struct {
	data map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: make(map[string][]byte)} }

func (m *memKV) GetState(key []byte) ([]byte, error) { return m.data[string(key)], nil }

func (m *memKV) SetState(key, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[string(key)] = cp
	return nil
}

func (m *memKV) DeleteState(key []byte) error {
	delete(m.data, string(key))
	return nil
}

func (m *memKV) HasState(key []byte) (bool, error) {
	_, ok := m.data[string(key)]
	return ok, nil
}

type memIterator struct {
	keys []string
	vals [][]byte
	i    int
}

func (it *memIterator) Next() bool {
	it.i++
	return it.i < len(it.keys)
}
func (it *memIterator) Key() []byte   { return []byte(it.keys[it.i]) }
func (it *memIterator) Value() []byte { return it.vals[it.i] }
func (it *memIterator) Close() error  { return nil }

func (m *memKV) PrefixIterator(prefix []byte) StateIterator {
	p := string(prefix)
	var keys []string
	for k := range m.data {
		if len(k) >= len(p) && k[:len(p)] == p {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	vals := make([][]byte, len(keys))
	for i, k := range keys {
		vals[i] = m.data[k]
	}
	return &memIterator{keys: keys, vals: vals, i: -1}
}
