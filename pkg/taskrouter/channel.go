package taskrouter

import (
	"time"
)

// Channel is the worker's capacity on one task channel.
type Channel struct {
	w   *Worker
	sid string

	taskChannelSid              string
	taskChannelUniqueName       string
	capacity                    int
	availableCapacityPercentage int
	available                   bool
	assignedTasks               int
	dateCreated                 time.Time
	dateUpdated                 time.Time
	version                     int64
}

func newChannel(w *Worker, p *channelPayload) *Channel {
	c := &Channel{w: w, sid: p.Sid}
	c.applyLocked(p)
	return c
}

func (c *Channel) applyLocked(p *channelPayload) {
	setString(&c.taskChannelSid, p.TaskChannelSid)
	setString(&c.taskChannelUniqueName, p.TaskChannelUniqueName)
	setInt(&c.capacity, p.ConfiguredCapacity)
	setInt(&c.availableCapacityPercentage, p.AvailableCapacityPercentage)
	setBool(&c.available, p.Available)
	setInt(&c.assignedTasks, p.AssignedTasks)
	setTime(&c.dateCreated, p.DateCreated)
	setTime(&c.dateUpdated, p.DateUpdated)
	setVersion(&c.version, p.Version)
}

// Sid returns the worker channel sid.
func (c *Channel) Sid() string { return c.sid }

func (c *Channel) TaskChannelSid() string {
	c.w.mu.RLock()
	defer c.w.mu.RUnlock()
	return c.taskChannelSid
}

func (c *Channel) TaskChannelUniqueName() string {
	c.w.mu.RLock()
	defer c.w.mu.RUnlock()
	return c.taskChannelUniqueName
}

// Capacity returns the configured capacity.
func (c *Channel) Capacity() int {
	c.w.mu.RLock()
	defer c.w.mu.RUnlock()
	return c.capacity
}

func (c *Channel) AvailableCapacityPercentage() int {
	c.w.mu.RLock()
	defer c.w.mu.RUnlock()
	return c.availableCapacityPercentage
}

// Available reports whether the channel accepts new work.
func (c *Channel) Available() bool {
	c.w.mu.RLock()
	defer c.w.mu.RUnlock()
	return c.available
}

func (c *Channel) AssignedTasks() int {
	c.w.mu.RLock()
	defer c.w.mu.RUnlock()
	return c.assignedTasks
}

func (c *Channel) DateUpdated() time.Time {
	c.w.mu.RLock()
	defer c.w.mu.RUnlock()
	return c.dateUpdated
}
