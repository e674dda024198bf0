package score

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/victornm/bimillog/internal/domain"
)

const defaultShards = 16

// Store holds the live, volatile scores for every ranking category. Each
// category is sharded by subject id so increments on unrelated subjects never
// contend on one lock, and the periodic decay only stalls one shard at a time.
type Store struct {
	categories map[domain.Category][]*shard
	numShards  uint64
}

type shard struct {
	mu      sync.Mutex
	entries map[int64]decimal.Decimal
}

type Config struct {
	// Categories the store accepts. Incrementing any other category is a
	// programmer error and panics.
	Categories []domain.Category

	// Shards per category, defaults to 16.
	Shards int
}

func NewStore(c Config) *Store {
	n := c.Shards
	if n <= 0 {
		n = defaultShards
	}

	s := &Store{
		categories: make(map[domain.Category][]*shard, len(c.Categories)),
		numShards:  uint64(n),
	}

	for _, cat := range c.Categories {
		shards := make([]*shard, n)
		for i := range shards {
			shards[i] = &shard{entries: make(map[int64]decimal.Decimal)}
		}
		s.categories[cat] = shards
	}

	return s
}

func (s *Store) shardFor(category domain.Category, subjectID int64) *shard {
	shards, ok := s.categories[category]
	if !ok {
		panic(fmt.Sprintf("score: unknown category %q", category))
	}

	return shards[uint64(subjectID)%s.numShards]
}

// Increment adds delta to the subject's score, creating the entry at delta if
// absent. The add happens under the subject's shard lock, so concurrent
// increments never lose updates. Scores are clamped at zero.
func (s *Store) Increment(category domain.Category, subjectID int64, delta decimal.Decimal) {
	sh := s.shardFor(category, subjectID)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	v := sh.entries[subjectID].Add(delta)
	if v.IsNegative() {
		v = decimal.Zero
	}
	sh.entries[subjectID] = v
}

// DecayAll multiplies every score in the category by factor and removes any
// entry whose result is at or below floor. Shards are decayed one at a time;
// increments on other shards proceed concurrently.
func (s *Store) DecayAll(category domain.Category, factor, floor decimal.Decimal) {
	shards, ok := s.categories[category]
	if !ok {
		panic(fmt.Sprintf("score: unknown category %q", category))
	}

	for _, sh := range shards {
		sh.mu.Lock()
		for id, v := range sh.entries {
			v = v.Mul(factor)
			if v.Cmp(floor) <= 0 {
				delete(sh.entries, id)
				continue
			}
			sh.entries[id] = v
		}
		sh.mu.Unlock()
	}
}

// RangeByScoreDesc returns subject ids ordered by score descending. Equal
// scores order by subject id ascending; the ordering is deterministic.
func (s *Store) RangeByScoreDesc(category domain.Category, offset, limit int) []int64 {
	shards, ok := s.categories[category]
	if !ok {
		panic(fmt.Sprintf("score: unknown category %q", category))
	}

	type entry struct {
		id    int64
		score decimal.Decimal
	}

	var all []entry
	for _, sh := range shards {
		sh.mu.Lock()
		for id, v := range sh.entries {
			all = append(all, entry{id: id, score: v})
		}
		sh.mu.Unlock()
	}

	sort.Slice(all, func(i, j int) bool {
		if c := all[i].score.Cmp(all[j].score); c != 0 {
			return c > 0
		}
		return all[i].id < all[j].id
	})

	if offset >= len(all) {
		return nil
	}
	all = all[offset:]
	if limit >= 0 && limit < len(all) {
		all = all[:limit]
	}

	ids := make([]int64, 0, len(all))
	for _, e := range all {
		ids = append(ids, e.id)
	}

	return ids
}

// Score returns the subject's current score and whether the entry exists.
func (s *Store) Score(category domain.Category, subjectID int64) (decimal.Decimal, bool) {
	sh := s.shardFor(category, subjectID)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	v, ok := sh.entries[subjectID]
	return v, ok
}

// Remove drops the subject from the category if present.
func (s *Store) Remove(category domain.Category, subjectID int64) {
	sh := s.shardFor(category, subjectID)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	delete(sh.entries, subjectID)
}

// Len reports how many subjects the category currently holds.
func (s *Store) Len(category domain.Category) int {
	shards, ok := s.categories[category]
	if !ok {
		panic(fmt.Sprintf("score: unknown category %q", category))
	}

	n := 0
	for _, sh := range shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}

	return n
}
