// ABOUTME: Human-memorable agent id generation from adjective-animal word pairs
// ABOUTME: Backed by an injectable random source so collisions are testable

package registry

import (
	"math/rand"
	"sync"
)

var adjectives = []string{
	"amber", "bold", "brave", "brisk", "calm", "clever", "crimson", "deft",
	"eager", "fleet", "gentle", "hardy", "keen", "lively", "lucid", "mellow",
	"nimble", "plucky", "quiet", "rapid", "sage", "shy", "solid", "spry",
	"stout", "sunny", "swift", "tidy", "vivid", "wry",
}

var animals = []string{
	"badger", "bison", "crane", "dingo", "falcon", "finch", "gecko", "heron",
	"ibis", "jackal", "kestrel", "lemur", "marmot", "newt", "otter", "pika",
	"quail", "raven", "shrew", "stoat", "tapir", "urchin", "vole", "wombat",
	"yak", "zebu",
}

// NameGenerator produces human-memorable agent ids like "brave-otter".
// It is safe for concurrent use.
type NameGenerator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewNameGenerator creates a generator seeded from the given source.
// Tests pass a fixed seed to force deterministic collision sequences.
func NewNameGenerator(seed int64) *NameGenerator {
	return &NameGenerator{rng: rand.New(rand.NewSource(seed))}
}

// Next returns one candidate id. Uniqueness is the caller's problem; the
// registry retries against its live set.
func (g *NameGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return adjectives[g.rng.Intn(len(adjectives))] + "-" + animals[g.rng.Intn(len(animals))]
}
