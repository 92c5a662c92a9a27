package rtpnet

import (
	"log"
	"time"
)

type collisionRecord struct {
	addr     Address
	lastSeen time.Time
}

// CollisionList remembers addresses that sent packets with our SSRC.
// Records expire once they have not been refreshed for the timeout delay.
// Timeout must be called from the goroutine that calls UpdateAddress.
type CollisionList struct {
	records *HashTable[collisionRecord]
}

// NewCollisionList creates an empty list
func NewCollisionList() *CollisionList {
	return &CollisionList{
		records: NewHashTable(HashSize,
			func(r collisionRecord) int { return r.addr.HostHash() },
			func(a, b collisionRecord) bool { return a.addr.Equal(b.addr) }),
	}
}

// UpdateAddress records a collision from addr at recvTime. created is true
// when addr was not already in the list.
func (c *CollisionList) UpdateAddress(addr Address, recvTime time.Time) (created bool, err error) {
	if !addr.IsValid() {
		return false, ErrBadCollisionAddress
	}
	probe := collisionRecord{addr: addr}
	if err := c.records.GotoElement(probe); err == nil {
		c.records.currentPtr().lastSeen = recvTime
		return false, nil
	}
	if err := c.records.AddElement(collisionRecord{addr: addr, lastSeen: recvTime}); err != nil {
		return false, err
	}
	if Debug {
		log.Printf("[RTP] DEBUG: collision list: added %s", addr)
	}
	return true, nil
}

// HasAddress reports whether addr is in the list
func (c *CollisionList) HasAddress(addr Address) bool {
	return c.records.HasElement(collisionRecord{addr: addr})
}

// Timeout removes records last seen before now - delay
func (c *CollisionList) Timeout(now time.Time, delay time.Duration) {
	limit := now.Add(-delay)
	c.records.GotoFirstElement()
	for c.records.HasCurrentElement() {
		r, _ := c.records.CurrentElement()
		if r.lastSeen.Before(limit) {
			if Debug {
				log.Printf("[RTP] DEBUG: collision list: expired %s", r.addr)
			}
			c.records.DeleteCurrentElement()
			continue
		}
		c.records.GotoNextElement()
	}
}

// Clear removes every record
func (c *CollisionList) Clear() { c.records.Clear() }

// Len returns the number of records
func (c *CollisionList) Len() int { return c.records.Len() }
