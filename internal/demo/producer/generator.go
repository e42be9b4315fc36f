package producer

import (
	"fmt"
	"math/rand"
	"time"
)

type Generator struct {
	rnd        *rand.Rand
	producerID string
	counters   int
	sequence   int64
	commands   int64
	now        func() time.Time
}

func NewGenerator(seed int64, producerID string, counters int) *Generator {
	return &Generator{
		rnd:        rand.New(rand.NewSource(seed)),
		producerID: producerID,
		counters:   counters,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// NextBucket builds a bucket record of size inc events.
func (g *Generator) NextBucket(size int) map[string]any {
	g.sequence++
	events := make([]any, 0, size)
	for i := 0; i < size; i++ {
		events = append(events, g.inc())
	}
	return map[string]any{
		"type":        "bucket",
		"producer":    g.producerID,
		"seq":         g.sequence,
		"occurred_at": g.now().Format(time.RFC3339Nano),
		"events":      events,
	}
}

// NextCommand builds an inc command with a deterministic id.
func (g *Generator) NextCommand() map[string]any {
	g.commands++
	cmd := g.inc()
	cmd["id"] = fmt.Sprintf("%s-cmd-%020d", g.producerID, g.commands)
	return cmd
}

func (g *Generator) inc() map[string]any {
	return map[string]any{
		"type": "inc",
		"name": fmt.Sprintf("counter-%02d", g.rnd.Intn(g.counters)+1),
		"by":   g.rnd.Intn(5) + 1,
	}
}
