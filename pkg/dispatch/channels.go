package dispatch

import (
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"sekretar/pkg/core"
)

// Link is the connection a membership set pushes join and leave requests through.
type Link interface {
	Connected() bool
	SendEnvelope(env core.Envelope) error
}

// Channels is the set of channels the client wants messages for. The server forgets
// subscriptions on disconnect, so the set is replayed with Resubscribe after every connect.
type Channels struct {
	mu      sync.Mutex
	members map[string]struct{}
	link    Link
	logger  zerolog.Logger
}

// NewChannels creates an empty membership set sending through link.
func NewChannels(link Link) *Channels {
	return &Channels{
		members: make(map[string]struct{}),
		link:    link,
		logger:  zerolog.Nop(),
	}
}

// SetLogger sets the logger.
func (c *Channels) SetLogger(logger zerolog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = logger
}

// Subscribe adds id to the set. When connected the join request is sent right away;
// otherwise it goes out on the next Resubscribe. Adding a present id sends nothing.
func (c *Channels) Subscribe(id string) error {
	c.mu.Lock()
	if _, ok := c.members[id]; ok {
		c.mu.Unlock()
		return nil
	}
	c.members[id] = struct{}{}
	c.mu.Unlock()

	return c.push(core.SubscribeEnvelope(id))
}

// Unsubscribe removes id from the set, sending the leave request when connected.
func (c *Channels) Unsubscribe(id string) error {
	c.mu.Lock()
	if _, ok := c.members[id]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.members, id)
	c.mu.Unlock()

	return c.push(core.UnsubscribeEnvelope(id))
}

func (c *Channels) push(env core.Envelope) error {
	if !c.link.Connected() {
		c.logger.Debug().Str("channel", env.Channel).Str("type", env.Type).Msg("deferring until connected")
		return nil
	}
	if err := c.link.SendEnvelope(env); err != nil {
		c.logger.Warn().Err(err).Str("channel", env.Channel).Str("type", env.Type).Msg("failed to send channel request")
		return err
	}
	return nil
}

// Resubscribe sends one join request per member, in sorted order, and returns how many went out.
func (c *Channels) Resubscribe() int {
	sent := 0
	for _, id := range c.Members() {
		if err := c.link.SendEnvelope(core.SubscribeEnvelope(id)); err != nil {
			c.logger.Warn().Err(err).Str("channel", id).Msg("failed to resubscribe")
			continue
		}
		sent++
	}
	if sent > 0 {
		c.logger.Info().Int("channels", sent).Msg("resubscribed channels")
	}
	return sent
}

// Members returns the channel ids in sorted order.
func (c *Channels) Members() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.members))
	for id := range c.members {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Contains reports whether id is in the set.
func (c *Channels) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.members[id]
	return ok
}

// Len returns the number of members.
func (c *Channels) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.members)
}
