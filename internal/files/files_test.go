package files

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/haasonsaas/llmops/internal/storage"
)

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}

	if err := store.Put(ctx, "acct/2026/a.txt", strings.NewReader("hello"), PutOptions{}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	ok, err := store.Exists(ctx, "acct/2026/a.txt")
	if err != nil || !ok {
		t.Fatalf("Exists() = %v, %v", ok, err)
	}

	rc, err := store.Open(ctx, "acct/2026/a.txt")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "hello" {
		t.Fatalf("content = %q", data)
	}

	if err := store.Delete(ctx, "acct/2026/a.txt"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Open(ctx, "acct/2026/a.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Open(deleted) error = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "acct/2026/a.txt"); err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}
}

func TestLocalStore_RejectsTraversal(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}
	if err := store.Put(context.Background(), "../escape", strings.NewReader("x"), PutOptions{}); err == nil {
		t.Fatal("expected error for traversal key")
	}
}

func TestService_UploadAndLoad(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}
	svc := NewService(store, storage.NewMemoryUploadFileStore())
	svc.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }

	file, err := svc.Upload(ctx, "acct-1", "notes/Guide.MD", strings.NewReader("# Guide"))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if file.Name != "Guide.MD" || file.Extension != "md" || file.Size != 7 {
		t.Fatalf("unexpected upload file: %+v", file)
	}
	if !strings.HasPrefix(file.Key, "acct-1/2026/03/04/") || !strings.HasSuffix(file.Key, ".md") {
		t.Fatalf("Key = %q", file.Key)
	}
	sum := sha256.Sum256([]byte("# Guide"))
	if file.Hash != hex.EncodeToString(sum[:]) {
		t.Fatalf("Hash = %q", file.Hash)
	}

	got, body, err := svc.Load(ctx, file.ID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if got.ID != file.ID || string(data) != "# Guide" {
		t.Fatalf("Load() = %+v, %q", got, data)
	}
}

func TestService_UploadRequiresName(t *testing.T) {
	store, _ := NewLocalStore(t.TempDir())
	svc := NewService(store, storage.NewMemoryUploadFileStore())
	if _, err := svc.Upload(context.Background(), "acct", "  ", strings.NewReader("x")); err == nil {
		t.Fatal("expected error for empty name")
	}
}

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func TestS3Store_PrefixAndNotFound(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string][]byte{}}
	store := newS3Store(fake, "bucket", "/uploads/")

	if err := store.Put(ctx, "a/b.txt", strings.NewReader("data"), PutOptions{MimeType: "text/plain"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, ok := fake.objects["uploads/a/b.txt"]; !ok {
		t.Fatalf("object stored under %v", fake.objects)
	}
	if ok, err := store.Exists(ctx, "a/b.txt"); err != nil || !ok {
		t.Fatalf("Exists() = %v, %v", ok, err)
	}
	if err := store.Delete(ctx, "a/b.txt"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if ok, err := store.Exists(ctx, "a/b.txt"); err != nil || ok {
		t.Fatalf("Exists(deleted) = %v, %v", ok, err)
	}
	if _, err := store.Open(ctx, "a/b.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Open(deleted) error = %v", err)
	}
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	if _, err := NewS3Store(context.Background(), S3Config{}); err == nil {
		t.Fatal("expected error without bucket")
	}
}
