package offset

import (
	"context"
	"errors"
	"testing"
)

func TestPartitionKey_Stable(t *testing.T) {
	a := Partition{"prefix": "events/", "bucket": "b"}
	b := Partition{"bucket": "b", "prefix": "events/"}
	if a.Key() != b.Key() {
		t.Errorf("expected equal keys, got %s and %s", a.Key(), b.Key())
	}
	if got := (Partition{"prefix": "x"}).Key(); got != `{"prefix":"x"}` {
		t.Errorf("unexpected key %s", got)
	}
}

func TestMemoryStore_MissingPartition(t *testing.T) {
	s := NewMemoryStore()
	o, err := s.Offset(context.Background(), Partition{"prefix": "p"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o != nil {
		t.Errorf("expected nil offset, got %v", o)
	}
}

func TestMemoryStore_CommitThenRead(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := Partition{"prefix": "p"}

	if err := s.Commit(ctx, p, Offset{"last_file": "p/1.gz"}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := s.Commit(ctx, Partition{"prefix": "q"}, Offset{"last_file": "q/9.gz"}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	o, err := s.Offset(ctx, p)
	if err != nil {
		t.Fatalf("offset: %v", err)
	}
	if o["last_file"] != "p/1.gz" {
		t.Errorf("expected p/1.gz, got %v", o["last_file"])
	}

	// Mutating the returned map must not affect the stored value.
	o["last_file"] = "tampered"
	again, _ := s.Offset(ctx, p)
	if again["last_file"] != "p/1.gz" {
		t.Errorf("stored offset was mutated: %v", again)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default memory", Config{}, false},
		{"memory", Config{Type: "memory"}, false},
		{"redis with url", Config{Type: "redis", URL: "redis://localhost:6379/0"}, false},
		{"redis without url", Config{Type: "redis"}, true},
		{"postgres", Config{Type: "postgres", URL: "postgres://localhost/db", Table: "cursors"}, false},
		{"postgres bad table", Config{Type: "postgres", URL: "postgres://localhost/db", Table: "drop table;"}, true},
		{"unknown", Config{Type: "etcd"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOpen_Memory(t *testing.T) {
	s, err := Open(context.Background(), Config{}, "conn")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("expected *MemoryStore, got %T", s)
	}
	_ = s.Close()
}

func TestConfig_IsMemory(t *testing.T) {
	tests := []struct {
		typ  string
		want bool
	}{
		{"", true},
		{"memory", true},
		{"Memory", true},
		{"redis", false},
		{"postgres", false},
	}
	for _, tt := range tests {
		if got := (Config{Type: tt.typ}).IsMemory(); got != tt.want {
			t.Errorf("IsMemory(%q) = %v, want %v", tt.typ, got, tt.want)
		}
	}
}

func TestOpen_Unknown(t *testing.T) {
	_, err := Open(context.Background(), Config{Type: "zookeeper"}, "conn")
	if !errors.Is(err, ErrUnknownStore) {
		t.Errorf("expected ErrUnknownStore, got %v", err)
	}
}

func TestJoinNamespace(t *testing.T) {
	if got := joinNamespace("", "orders"); got != "s3stream:orders" {
		t.Errorf("got %s", got)
	}
	if got := joinNamespace("team-a", "orders"); got != "team-a:orders" {
		t.Errorf("got %s", got)
	}
}
