package aws

import (
	"bytes"
	"context"
	"diagram-sync/core"
	"diagram-sync/stores/storetest"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeObject struct {
	data     []byte
	modified time.Time
}

// fakeS3 is an in-memory bucket that pages listings pageSize keys at a time.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string]fakeObject
	pageSize int
	putErr   error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]fakeObject), pageSize: 1000}
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[*in.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("no such key")}
	}
	return &s3.GetObjectOutput{
		Body:         io.NopCloser(bytes.NewReader(obj.data)),
		LastModified: aws.Time(obj.modified),
	}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Key] = fakeObject{data: data, modified: time.Now()}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &s3types.NotFound{Message: aws.String("not found")}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := aws.ToString(in.Prefix)
	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		start, _ = strconv.Atoi(*in.ContinuationToken)
	}
	end := start + f.pageSize
	if end > len(keys) {
		end = len(keys)
	}

	out := &s3.ListObjectsV2Output{}
	for _, key := range keys[start:end] {
		out.Contents = append(out.Contents, s3types.Object{
			Key:          aws.String(key),
			LastModified: aws.Time(f.objects[key].modified),
		})
	}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func TestSaveAndLoad(t *testing.T) {
	fake := newFakeS3()
	store := newStore(fake, "bucket", "snapshots/")
	ctx := context.Background()

	data := []byte{0x82, 0x01, 0x80}
	if err := store.Save(ctx, "d1", data); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if _, ok := fake.objects["snapshots/d1"]; !ok {
		t.Fatalf("object not written under prefix: %v", fake.objects)
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
	store := newStore(newFakeS3(), "bucket", "")

	_, err := store.Load(context.Background(), "missing")
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("Load() error = %v, want ErrNotFound", err)
	}
}

func TestSave_PropagatesErrors(t *testing.T) {
	fake := newFakeS3()
	fake.putErr = errors.New("service unavailable")
	store := newStore(fake, "bucket", "")

	err := store.Save(context.Background(), "d1", []byte("x"))
	if err == nil || !strings.Contains(err.Error(), "service unavailable") {
		t.Fatalf("Save() error = %v, want wrapped upload error", err)
	}
}

func TestInvalidIDs(t *testing.T) {
	store := newStore(newFakeS3(), "bucket", "")
	ctx := context.Background()

	for _, id := range []string{"", "..", "a/b", ".hidden"} {
		if err := store.Save(ctx, id, []byte("x")); err == nil {
			t.Errorf("Save(%q) should fail", id)
		}
	}
}

func TestDelete(t *testing.T) {
	store := newStore(newFakeS3(), "bucket", "")
	ctx := context.Background()

	_ = store.Save(ctx, "d1", []byte("x"))
	if err := store.Delete(ctx, "d1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if err := store.Delete(ctx, "d1"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestListRooms_Paginates(t *testing.T) {
	fake := newFakeS3()
	fake.pageSize = 2
	store := newStore(fake, "bucket", "snapshots")
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		if err := store.Save(ctx, id, []byte(id)); err != nil {
			t.Fatalf("Save(%s) failed: %v", id, err)
		}
	}
	fake.objects["other/ignored"] = fakeObject{data: []byte("x"), modified: time.Now()}

	rooms, err := store.ListRooms(ctx)
	if err != nil {
		t.Fatalf("ListRooms() failed: %v", err)
	}
	if len(rooms) != 5 {
		t.Fatalf("ListRooms() returned %d rooms, want 5: %v", len(rooms), rooms)
	}
	for _, room := range rooms {
		if strings.Contains(room.ID, "/") {
			t.Errorf("room id kept its prefix: %q", room.ID)
		}
	}
	if err := store.TouchRoom(ctx, "a"); err != nil {
		t.Errorf("TouchRoom() failed: %v", err)
	}
}

func TestDiagrams(t *testing.T) {
	storetest.DiagramStore(t, newStore(newFakeS3(), "bucket", "snapshots"))
}

func TestDiagramRecordsAreNotRooms(t *testing.T) {
	fake := newFakeS3()
	store := newStore(fake, "bucket", "snapshots")
	ctx := context.Background()

	if err := store.CreateDiagram(ctx, &core.Diagram{ID: "d1", Name: "meta only"}); err != nil {
		t.Fatalf("CreateDiagram() failed: %v", err)
	}
	if _, ok := fake.objects["snapshots/.meta/d1.json"]; !ok {
		t.Error("diagram record not stored under the meta prefix")
	}
	rooms, err := store.ListRooms(ctx)
	if err != nil {
		t.Fatalf("ListRooms() failed: %v", err)
	}
	if len(rooms) != 0 {
		t.Errorf("ListRooms() = %+v, want none", rooms)
	}
}
