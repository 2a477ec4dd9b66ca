// Package registry implements the idempotency registry (C3 in SPEC_FULL.md):
// claim/mark-done/mark-failed over processed (owner, account, uid) keys,
// backed by internal/store and fronted by an in-memory LRU so a hot mailbox
// scan doesn't round-trip the document warehouse for every UID it has
// already seen this run.
package registry

import (
	"container/list"
	"errors"
	"sync"

	"gorm.io/gorm"

	"cuenly-ingest/internal/model"
	"cuenly-ingest/internal/store"
)

const defaultLRUCapacity = 4096

type lruEntry struct {
	key   string
	entry *model.ProcessedEmailEntry
}

// lru is a minimal fixed-capacity cache. No pack example ships an LRU
// library (hashicorp/golang-lru, etc.); container/list plus a map is the
// stdlib idiom and is small enough not to need one.
type lru struct {
	mu       sync.Mutex
	cap      int
	ll       *list.List
	items    map[string]*list.Element
}

func newLRU(capacity int) *lru {
	if capacity <= 0 {
		capacity = defaultLRUCapacity
	}
	return &lru{cap: capacity, ll: list.New(), items: make(map[string]*list.Element)}
}

func (c *lru) get(key string) (*model.ProcessedEmailEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		return el.Value.(*lruEntry).entry, true
	}
	return nil, false
}

func (c *lru) put(key string, entry *model.ProcessedEmailEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).entry = entry
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&lruEntry{key: key, entry: entry})
	c.items[key] = el
	if c.ll.Len() > c.cap {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).key)
		}
	}
}

func (c *lru) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.ll.Remove(el)
		delete(c.items, key)
	}
}

type Registry struct {
	repo  *store.ProcessedEmailRepository
	cache *lru
}

func New(repo *store.ProcessedEmailRepository) *Registry {
	return &Registry{repo: repo, cache: newLRU(defaultLRUCapacity)}
}

// Key builds the composite idempotency key from owner, account and UID.
func Key(ownerEmail, account string, uid uint32) string {
	return ownerEmail + "::" + account + "::" + itoa(uid)
}

func itoa(u uint32) string {
	if u == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for u > 0 {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
	}
	return string(buf[i:])
}

// Seen reports whether key has a terminal (done) entry, consulting the LRU
// before the warehouse.
func (r *Registry) Seen(key string) (bool, error) {
	if e, ok := r.cache.get(key); ok {
		return e.Status.Terminal(), nil
	}
	e, err := r.repo.Get(key)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	r.cache.put(key, e)
	return e.Status.Terminal(), nil
}

// EligibleForAIRetry reports whether key's entry is in the skipped_ai_limit
// family and should be retried now that quota has reset.
func (r *Registry) EligibleForAIRetry(key string) (bool, error) {
	e, err := r.repo.Get(key)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return e.Status.SkippedForAILimit(), nil
}

// Claim attempts to take ownership of key for processing. On success the
// entry is cached so a concurrent scanner goroutine sees the claim
// immediately instead of racing the warehouse write.
func (r *Registry) Claim(ownerEmail, account string, uid uint32, messageID string, manualUpload bool) (claimed bool, err error) {
	key := Key(ownerEmail, account, uid)
	entry := &model.ProcessedEmailEntry{
		Key:          key,
		OwnerEmail:   ownerEmail,
		Account:      account,
		UID:          uid,
		MessageID:    messageID,
		ManualUpload: manualUpload,
	}
	claimed, err = r.repo.Claim(entry)
	if err != nil {
		return false, err
	}
	if claimed {
		r.cache.put(key, entry)
	} else {
		r.cache.invalidate(key)
	}
	return claimed, nil
}

func (r *Registry) MarkDone(key string) error {
	if err := r.repo.MarkDone(key); err != nil {
		return err
	}
	r.cache.invalidate(key)
	return nil
}

func (r *Registry) MarkFailed(key, reason string) error {
	if err := r.repo.MarkFailed(key, reason); err != nil {
		return err
	}
	r.cache.invalidate(key)
	return nil
}

func (r *Registry) MarkSkippedAILimit(key string, unread bool) error {
	if err := r.repo.MarkSkippedAILimit(key, unread); err != nil {
		return err
	}
	r.cache.invalidate(key)
	return nil
}

func (r *Registry) ListSkippedForAILimit(ownerEmail string) ([]model.ProcessedEmailEntry, error) {
	return r.repo.ListSkippedForAILimit(ownerEmail)
}

// SeenByMessageID reports whether ownerEmail has a terminal entry for
// messageID under any UID. A rescanned mailbox can present an already
// processed message under a different UID once the server renumbers them
// across sessions, so this is the cross-session complement to Seen.
func (r *Registry) SeenByMessageID(ownerEmail, messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	e, err := r.repo.FindByMessageID(ownerEmail, messageID)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return e.Status.Terminal(), nil
}

// SetMessageID stamps key's durable Message-ID, invalidating the cached
// entry so a subsequent Seen/SeenByMessageID call reads the fresh row.
func (r *Registry) SetMessageID(key, messageID string) error {
	if messageID == "" {
		return nil
	}
	if err := r.repo.SetMessageID(key, messageID); err != nil {
		return err
	}
	r.cache.invalidate(key)
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
