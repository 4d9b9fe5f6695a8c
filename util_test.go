package parcall

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestChannelID(t *testing.T) {
	now := time.Now()
	id := NewChannelID()
	cost := time.Since(now)
	t.Log(id, cost)
	if len(id) != 27 {
		t.Fatalf("id length = %d, want 27", len(id))
	}
}

func BenchmarkChannelID(b *testing.B) {
	var m sync.Map

	b.RunParallel(func(p *testing.PB) {
		for p.Next() {
			id := NewChannelID()
			if _, loaded := m.LoadOrStore(id, struct{}{}); loaded {
				b.Fatal()
			}
		}
	})
}

func TestWorkerID(t *testing.T) {
	id := NewWorkerID()
	if !strings.HasPrefix(id, "worker-") {
		t.Fatalf("unexpected worker id %s", id)
	}
	if id == NewWorkerID() {
		t.Fatal("worker ids must be unique")
	}
}
