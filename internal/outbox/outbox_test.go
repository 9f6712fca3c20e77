package outbox

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"posvault/internal/config"
	"posvault/internal/engine"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var queuedAt = time.Date(2024, 3, 1, 22, 0, 0, 0, time.UTC)

// outboxes runs a test against both store implementations.
func outboxes(t *testing.T, maxSize int64, fn func(t *testing.T, o *Outbox)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryOutbox(fixedClock{queuedAt}, maxSize))
	})
	t.Run("filesystem", func(t *testing.T) {
		o, err := NewFileSystemOutbox(t.TempDir(), fixedClock{queuedAt}, maxSize)
		if err != nil {
			t.Fatalf("NewFileSystemOutbox() error = %v", err)
		}
		fn(t, o)
	})
}

func deliverTo(got *[]string) engine.DeliverFunc {
	return func(item engine.QueuedArtifact, content io.Reader) error {
		data, err := io.ReadAll(content)
		if err != nil {
			return err
		}
		*got = append(*got, item.Name+"="+string(data))
		return nil
	}
}

func TestOutbox_FIFO(t *testing.T) {
	outboxes(t, 0, func(t *testing.T, o *Outbox) {
		for _, name := range []string{"a.snap", "b.snap", "c.snap"} {
			item, err := o.Enqueue(name, strings.NewReader("body-"+name))
			if err != nil {
				t.Fatalf("Enqueue(%s) error = %v", name, err)
			}
			if !item.QueuedAt.Equal(queuedAt) || item.Size != int64(len("body-"+name)) {
				t.Errorf("item = %+v", item)
			}
		}
		if n, _ := o.Count(); n != 3 {
			t.Fatalf("Count() = %d, want 3", n)
		}

		var got []string
		for {
			ok, err := o.ProcessNext(deliverTo(&got))
			if err != nil {
				t.Fatalf("ProcessNext() error = %v", err)
			}
			if !ok {
				break
			}
		}
		want := []string{"a.snap=body-a.snap", "b.snap=body-b.snap", "c.snap=body-c.snap"}
		if strings.Join(got, ",") != strings.Join(want, ",") {
			t.Errorf("delivered %v, want %v", got, want)
		}
		if size, _ := o.Size(); size != 0 {
			t.Errorf("Size() after drain = %d, want 0", size)
		}
	})
}

func TestOutbox_DuplicateNameKeepsFirst(t *testing.T) {
	outboxes(t, 0, func(t *testing.T, o *Outbox) {
		first, err := o.Enqueue("s1.snap", strings.NewReader("first"))
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		again, err := o.Enqueue("s1.snap", strings.NewReader("second"))
		if err != nil {
			t.Fatalf("second Enqueue() error = %v", err)
		}
		if again.Checksum != first.Checksum {
			t.Errorf("duplicate enqueue replaced content")
		}
		if n, _ := o.Count(); n != 1 {
			t.Errorf("Count() = %d, want 1", n)
		}
	})
}

func TestOutbox_FailedDeliveryStaysAtHead(t *testing.T) {
	outboxes(t, 0, func(t *testing.T, o *Outbox) {
		o.Enqueue("a.snap", strings.NewReader("a"))
		o.Enqueue("b.snap", strings.NewReader("b"))

		offline := errors.New("network unreachable")
		for i := 0; i < 2; i++ {
			ok, err := o.ProcessNext(func(engine.QueuedArtifact, io.Reader) error { return offline })
			if !ok || !errors.Is(err, offline) {
				t.Fatalf("ProcessNext() = %v, %v, want true, offline", ok, err)
			}
		}

		items, err := o.List()
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(items) != 2 || items[0].Name != "a.snap" {
			t.Fatalf("List() = %+v", items)
		}
		if items[0].Attempts != 2 || items[0].LastErr != "network unreachable" {
			t.Errorf("head = %+v, want 2 attempts with last error", items[0])
		}

		var got []string
		if _, err := o.ProcessNext(deliverTo(&got)); err != nil {
			t.Fatalf("ProcessNext() error = %v", err)
		}
		if len(got) != 1 || got[0] != "a.snap=a" {
			t.Errorf("delivered %v", got)
		}
	})
}

func TestOutbox_SharedContentSurvivesDelivery(t *testing.T) {
	outboxes(t, 0, func(t *testing.T, o *Outbox) {
		o.Enqueue("a.snap", strings.NewReader("same"))
		o.Enqueue("b.snap", strings.NewReader("same"))

		var got []string
		o.ProcessNext(deliverTo(&got))
		if _, err := o.ProcessNext(deliverTo(&got)); err != nil {
			t.Fatalf("second ProcessNext() error = %v", err)
		}
		if len(got) != 2 || got[1] != "b.snap=same" {
			t.Errorf("delivered %v", got)
		}
	})
}

func TestOutbox_MaxSize(t *testing.T) {
	outboxes(t, 10, func(t *testing.T, o *Outbox) {
		if _, err := o.Enqueue("a.snap", strings.NewReader("12345678")); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		_, err := o.Enqueue("b.snap", strings.NewReader("12345"))
		if !errors.Is(err, ErrFull) {
			t.Fatalf("Enqueue() error = %v, want ErrFull", err)
		}
		if size, _ := o.Size(); size != 8 {
			t.Errorf("Size() = %d, want 8 after rejected enqueue", size)
		}
	})
}

func TestFileSystemOutbox_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	o, err := NewFileSystemOutbox(dir, fixedClock{queuedAt}, 0)
	if err != nil {
		t.Fatalf("NewFileSystemOutbox() error = %v", err)
	}
	o.Enqueue("s1.snap", strings.NewReader("packed"))

	if _, err := os.Stat(filepath.Join(dir, "queue.json")); err != nil {
		t.Fatalf("queue.json not written: %v", err)
	}

	reopened, err := NewFileSystemOutbox(dir, fixedClock{queuedAt}, 0)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	var got []string
	ok, err := reopened.ProcessNext(deliverTo(&got))
	if !ok || err != nil || len(got) != 1 || got[0] != "s1.snap=packed" {
		t.Errorf("ProcessNext() after reopen = %v, %v, %v", ok, err, got)
	}
}

func TestNewOutboxFromConfig(t *testing.T) {
	clock := fixedClock{queuedAt}
	tests := []struct {
		name    string
		cfg     config.OutboxConfig
		wantErr bool
	}{
		{name: "memory", cfg: config.OutboxConfig{Type: "memory"}},
		{name: "filesystem", cfg: config.OutboxConfig{Type: "filesystem", OutboxDir: t.TempDir()}},
		{name: "filesystem without dir", cfg: config.OutboxConfig{Type: "filesystem"}, wantErr: true},
		{name: "unknown", cfg: config.OutboxConfig{Type: "kafka"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := NewOutboxFromConfig(tt.cfg, clock)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewOutboxFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && o.maxSize != DefaultMaxSize {
				t.Errorf("maxSize = %d, want default %d", o.maxSize, DefaultMaxSize)
			}
		})
	}
}
