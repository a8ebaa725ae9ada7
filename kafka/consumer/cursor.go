package consumer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ridge/kclient/kafka/api"
)

// cursor tracks the consumption of an assigned partition. committed is -1
// until something is committed.
type cursor struct {
	fetch     int64
	committed int64
}

// cursors is the table of assigned partitions. Every assignment change bumps
// the epoch; fetch results obtained under an older epoch are discarded.
type cursors struct {
	mu      sync.Mutex
	epoch   uint64
	table   map[api.TopicPartition]*cursor
	changed chan struct{}
}

func newCursors() *cursors {
	return &cursors{
		table:   map[api.TopicPartition]*cursor{},
		changed: make(chan struct{}),
	}
}

// bump must be called with c.mu held
func (c *cursors) bump() {
	c.epoch++
	close(c.changed)
	c.changed = make(chan struct{})
}

// assign replaces the assignment
func (c *cursors) assign(table map[api.TopicPartition]*cursor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table = table
	c.bump()
}

// revoke drops the assignment
func (c *cursors) revoke() {
	c.assign(map[api.TopicPartition]*cursor{})
}

// Changed returns a channel closed at the next assignment change
func (c *cursors) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// positions returns the current epoch and fetch position of every assigned
// partition
func (c *cursors) positions() (uint64, map[api.TopicPartition]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := make(map[api.TopicPartition]int64, len(c.table))
	for tp, cur := range c.table {
		res[tp] = cur.fetch
	}
	return c.epoch, res
}

// advance moves the fetch position forward. It fails if the assignment
// changed since epoch or the position moved in the meantime.
func (c *cursors) advance(epoch uint64, tp api.TopicPartition, from, to int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.table[tp]
	if c.epoch != epoch || cur == nil || cur.fetch != from || to < from {
		return false
	}
	cur.fetch = to
	return true
}

// reset sets the fetch position after an out-of-range error
func (c *cursors) reset(epoch uint64, tp api.TopicPartition, from, to int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.table[tp]
	if c.epoch != epoch || cur == nil || cur.fetch != from {
		return false
	}
	cur.fetch = to
	if cur.committed > to {
		cur.committed = to
	}
	return true
}

// checkCommit verifies that offset may be committed for tp
func (c *cursors) checkCommit(tp api.TopicPartition, offset int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.table[tp]
	if cur == nil {
		return fmt.Errorf("cannot commit %s: partition is not assigned", tp)
	}
	if offset < 0 || offset > cur.fetch {
		return fmt.Errorf("cannot commit offset %d of %s beyond the fetch position %d", offset, tp, cur.fetch)
	}
	return nil
}

// committed records a successful commit. A commit never moves the committed
// offset back.
func (c *cursors) committed(tp api.TopicPartition, offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur := c.table[tp]; cur != nil && offset > cur.committed {
		cur.committed = offset
	}
}

// uncommitted returns the fetch positions that are ahead of the committed
// offsets
func (c *cursors) uncommitted() map[api.TopicPartition]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := map[api.TopicPartition]int64{}
	for tp, cur := range c.table {
		if cur.fetch > cur.committed {
			res[tp] = cur.fetch
		}
	}
	return res
}

// assigned returns the assigned partitions sorted by topic and partition
func (c *cursors) assigned() []api.TopicPartition {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := make([]api.TopicPartition, 0, len(c.table))
	for tp := range c.table {
		res = append(res, tp)
	}
	sortPartitions(res)
	return res
}

func sortPartitions(tps []api.TopicPartition) {
	sort.Slice(tps, func(i, j int) bool {
		if tps[i].Topic != tps[j].Topic {
			return tps[i].Topic < tps[j].Topic
		}
		return tps[i].Partition < tps[j].Partition
	})
}
