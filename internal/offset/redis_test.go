package offset

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeRedis struct {
	data   map[string]string
	getErr error
	setErr error
	closed bool
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestRedisStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	fr := &fakeRedis{data: map[string]string{}}
	s := NewRedisStore(fr, "s3stream:orders")
	p := Partition{"prefix": "orders/"}

	if err := s.Commit(ctx, p, Offset{"last_file": "orders/7.gz"}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, ok := fr.data[`s3stream:orders:{"prefix":"orders/"}`]; !ok {
		t.Fatalf("expected namespaced key, got %v", fr.data)
	}

	o, err := s.Offset(ctx, p)
	if err != nil {
		t.Fatalf("offset: %v", err)
	}
	if o["last_file"] != "orders/7.gz" {
		t.Errorf("expected orders/7.gz, got %v", o["last_file"])
	}
}

func TestRedisStore_Missing(t *testing.T) {
	s := NewRedisStore(&fakeRedis{data: map[string]string{}}, "ns")
	o, err := s.Offset(context.Background(), Partition{"prefix": "p"})
	if err != nil || o != nil {
		t.Errorf("expected (nil, nil), got (%v, %v)", o, err)
	}
}

func TestRedisStore_PreservesWrongTypes(t *testing.T) {
	fr := &fakeRedis{data: map[string]string{`ns:{"prefix":"p"}`: `{"last_file": 42}`}}
	s := NewRedisStore(fr, "ns")

	o, err := s.Offset(context.Background(), Partition{"prefix": "p"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := o["last_file"].(float64); !ok {
		t.Errorf("expected numeric value to survive decoding, got %T", o["last_file"])
	}
}

func TestRedisStore_Errors(t *testing.T) {
	boom := errors.New("connection reset")
	s := NewRedisStore(&fakeRedis{data: map[string]string{}, getErr: boom, setErr: boom}, "ns")

	if _, err := s.Offset(context.Background(), Partition{"prefix": "p"}); !errors.Is(err, boom) {
		t.Errorf("expected get error, got %v", err)
	}
	if err := s.Commit(context.Background(), Partition{"prefix": "p"}, Offset{}); !errors.Is(err, boom) {
		t.Errorf("expected set error, got %v", err)
	}
}

func TestRedisStore_CorruptValue(t *testing.T) {
	fr := &fakeRedis{data: map[string]string{`ns:{"prefix":"p"}`: `not json`}}
	s := NewRedisStore(fr, "ns")

	if _, err := s.Offset(context.Background(), Partition{"prefix": "p"}); err == nil {
		t.Error("expected decode error")
	}
}

func TestRedisStore_Close(t *testing.T) {
	fr := &fakeRedis{data: map[string]string{}}
	if err := NewRedisStore(fr, "ns").Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !fr.closed {
		t.Error("expected client to be closed")
	}
}

func TestOpenRedis_InvalidURL(t *testing.T) {
	if _, err := OpenRedis(context.Background(), "://bad", "ns"); err == nil {
		t.Error("expected error for invalid url")
	}
}
