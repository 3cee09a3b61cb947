package relay

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

const cursorKeyPrefix = "/cursor/"

// Checkpoint persists per-sink cursors in a Pebble store so a restarted
// relay resumes where it left off. Values are write-through cached.
type Checkpoint struct {
	db *pebble.DB

	mu      sync.Mutex
	cursors map[string]uint64
}

// OpenCheckpoint opens (or creates) the cursor store at path.
func OpenCheckpoint(path string) (*Checkpoint, error) {
	pdb, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store at %s: %w", path, err)
	}
	return &Checkpoint{
		db:      pdb,
		cursors: make(map[string]uint64),
	}, nil
}

func cursorKey(name string) []byte {
	return []byte(cursorKeyPrefix + name)
}

// Get returns the stored cursor for a sink, 0 when the sink is new.
func (c *Checkpoint) Get(name string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.cursors[name]; ok {
		return v, nil
	}

	val, closer, err := c.db.Get(cursorKey(name))
	if err == pebble.ErrNotFound {
		c.cursors[name] = 0
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor %s: %w", name, err)
	}
	defer closer.Close()

	var v uint64
	if len(val) >= 8 {
		v = binary.BigEndian.Uint64(val)
	}
	c.cursors[name] = v
	return v, nil
}

// Set advances the stored cursor for a sink.
func (c *Checkpoint) Set(name string, seq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	if err := c.db.Set(cursorKey(name), buf, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to persist cursor %s: %w", name, err)
	}
	c.cursors[name] = seq
	return nil
}

func (c *Checkpoint) Close() error {
	return c.db.Close()
}
