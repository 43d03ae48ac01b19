package redis

import (
	"bytes"
	"context"
	"diagram-sync/core"
	"diagram-sync/stores/storetest"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeClient keeps strings and a single sorted set in memory.
type fakeClient struct {
	mu      sync.Mutex
	strings map[string][]byte
	zsets   map[string]map[string]float64
	hashes  map[string]map[string]string
	setErr  error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		strings: make(map[string][]byte),
		zsets:   make(map[string]map[string]float64),
		hashes:  make(map[string]map[string]string),
	}
}

func (f *fakeClient) hash(key string) map[string]string {
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	return h
}

func (f *fakeClient) HSetNX(ctx context.Context, key, field string, value interface{}) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.hash(key)
	if _, ok := h[field]; ok {
		return redis.NewBoolResult(false, nil)
	}
	h[field] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeClient) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.hash(key)
	var n int64
	for i := 0; i+1 < len(values); i += 2 {
		field := values[i].(string)
		if _, ok := h[field]; !ok {
			n++
		}
		h[field] = values[i+1].(string)
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeClient) HGet(ctx context.Context, key, field string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.hashes[key][field]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeClient) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.hashes[key]))
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return redis.NewMapStringStringResult(out, nil)
}

func (f *fakeClient) HExists(ctx context.Context, key, field string) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.hashes[key][field]
	return redis.NewBoolResult(ok, nil)
}

func (f *fakeClient) HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, field := range fields {
		if _, ok := f.hashes[key][field]; ok {
			delete(f.hashes[key], field)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeClient) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.strings[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(v), nil)
}

func (f *fakeClient) Set(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strings[key] = append([]byte(nil), value.([]byte)...)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeClient) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, key := range keys {
		if _, ok := f.strings[key]; ok {
			delete(f.strings, key)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeClient) ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.zsets[key]
	if !ok {
		set = make(map[string]float64)
		f.zsets[key] = set
	}
	for _, m := range members {
		set[m.Member.(string)] = m.Score
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (f *fakeClient) ZScore(ctx context.Context, key, member string) *redis.FloatCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	score, ok := f.zsets[key][member]
	if !ok {
		return redis.NewFloatResult(0, redis.Nil)
	}
	return redis.NewFloatResult(score, nil)
}

func (f *fakeClient) ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range members {
		delete(f.zsets[key], m.(string))
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (f *fakeClient) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) *redis.ZSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []redis.Z
	for member, score := range f.zsets[key] {
		out = append(out, redis.Z{Score: score, Member: member})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return redis.NewZSliceCmdResult(out, nil)
}

func TestSaveAndLoad(t *testing.T) {
	fake := newFakeClient()
	store := newStore(fake)
	ctx := context.Background()

	data := []byte{0x82, 0x01, 0x80, 0x00}
	if err := store.Save(ctx, "d1", data); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if _, ok := fake.strings["diagram:d1"]; !ok {
		t.Fatalf("snapshot not stored under diagram:d1")
	}

	snapshot, err := store.Load(ctx, "d1")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if !bytes.Equal(snapshot.Data, data) {
		t.Errorf("Load() data mismatch: got %v, want %v", snapshot.Data, data)
	}
	if snapshot.UpdatedAt.IsZero() {
		t.Error("Load() returned zero UpdatedAt")
	}
}

func TestLoad_NotFound(t *testing.T) {
	store := newStore(newFakeClient())

	_, err := store.Load(context.Background(), "missing")
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("Load() error = %v, want ErrNotFound", err)
	}
}

func TestSave_PropagatesErrors(t *testing.T) {
	fake := newFakeClient()
	fake.setErr = errors.New("connection refused")
	store := newStore(fake)

	err := store.Save(context.Background(), "d1", []byte("x"))
	if err == nil || errors.Is(err, core.ErrNotFound) {
		t.Fatalf("Save() error = %v, want connection error", err)
	}
}

func TestDelete(t *testing.T) {
	fake := newFakeClient()
	store := newStore(fake)
	ctx := context.Background()

	_ = store.Save(ctx, "d1", []byte("x"))
	if err := store.Delete(ctx, "d1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if err := store.Delete(ctx, "d1"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
	if len(fake.zsets[roomsKey]) != 0 {
		t.Errorf("room activity survived delete: %v", fake.zsets[roomsKey])
	}
}

func TestRooms(t *testing.T) {
	fake := newFakeClient()
	store := newStore(fake)
	ctx := context.Background()

	if err := store.TouchRoom(ctx, ""); err == nil {
		t.Error("TouchRoom() should reject an empty room id")
	}
	_ = store.TouchRoom(ctx, "old")
	fake.zsets[roomsKey]["old"] = 1
	_ = store.Save(ctx, "new", []byte("x"))

	rooms, err := store.ListRooms(ctx)
	if err != nil {
		t.Fatalf("ListRooms() failed: %v", err)
	}
	if len(rooms) != 2 {
		t.Fatalf("ListRooms() returned %d rooms, want 2", len(rooms))
	}
	if rooms[0].ID != "new" || rooms[1].ID != "old" {
		t.Errorf("rooms not ordered by activity: %v", rooms)
	}
}

func TestDiagrams(t *testing.T) {
	storetest.DiagramStore(t, newStore(newFakeClient()))
}
