package validate

import lru "github.com/hashicorp/golang-lru/v2"

// Dedupe is a bounded set of recently seen event IDs. The capacity is sized
// to cover the maximum expected redelivery window of the source log; memory
// stays bounded no matter how long the pipeline runs.
type Dedupe struct {
	cache *lru.Cache[string, struct{}]
}

func NewDedupe(capacity int) *Dedupe {
	if capacity <= 0 {
		capacity = 100000
	}
	cache, _ := lru.New[string, struct{}](capacity)
	return &Dedupe{cache: cache}
}

// Seen reports whether the ID was observed before, and records it.
func (d *Dedupe) Seen(id string) bool {
	if _, ok := d.cache.Get(id); ok {
		return true
	}
	d.cache.Add(id, struct{}{})
	return false
}

func (d *Dedupe) Len() int {
	return d.cache.Len()
}
