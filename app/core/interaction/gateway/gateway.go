package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"recado/app/core/queue"
	"recado/app/pkg/logger"
	"recado/app/pkg/types"
)

var ErrNoChannel = errors.New("gateway: no channel registered")

// Gateway connects channels to the agent. Inbound messages are handed to
// the agent off the channel's thread via the work queue; replies go back
// out on the channel they arrived on. It also serves as the delivery
// callback for reminder firing.
type Gateway struct {
	agent            types.Agent
	mu               sync.RWMutex
	channels         map[string]types.Channel
	defaultChannelID string

	workQueue      *queue.Queue
	attemptTimeout time.Duration

	processed       atomic.Uint64
	lastMessageUnix atomic.Int64
}

func NewGateway(agent types.Agent) *Gateway {
	return &Gateway{
		agent:    agent,
		channels: make(map[string]types.Channel),
	}
}

func (g *Gateway) RegisterChannel(c types.Channel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.channels[c.ID()] = c
	if g.defaultChannelID == "" {
		g.defaultChannelID = c.ID()
	}
	logger.Info("registered channel", "channel", c.ID())
}

// SetDefaultChannel picks the channel used for reminder deliveries.
func (g *Gateway) SetDefaultChannel(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.channels[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNoChannel, id)
	}
	g.defaultChannelID = id
	return nil
}

// SetWorkQueue moves event processing onto the queue's workers so channel
// callbacks return immediately.
func (g *Gateway) SetWorkQueue(q *queue.Queue, attemptTimeout time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.workQueue = q
	g.attemptTimeout = attemptTimeout
}

// Start runs every registered channel and blocks until all of them
// return, which happens when ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	handler := func(msg types.Message) {
		g.processed.Add(1)
		g.lastMessageUnix.Store(time.Now().Unix())

		g.mu.RLock()
		q := g.workQueue
		timeout := g.attemptTimeout
		g.mu.RUnlock()

		if q == nil {
			g.processAndReply(ctx, msg)
			return
		}
		_, err := q.Enqueue(queue.Job{
			AttemptTimeout: timeout,
			Run: func(runCtx context.Context) error {
				g.processAndReply(runCtx, msg)
				return nil
			},
		})
		if err != nil {
			logger.Error("enqueue inbound event failed", "channel", msg.ChannelID, "error", err)
		}
	}

	g.mu.RLock()
	channels := make([]types.Channel, 0, len(g.channels))
	for _, c := range g.channels {
		channels = append(channels, c)
	}
	g.mu.RUnlock()

	if len(channels) == 0 {
		return ErrNoChannel
	}

	var wg sync.WaitGroup
	for _, c := range channels {
		wg.Add(1)
		go func(ch types.Channel) {
			defer wg.Done()
			if err := ch.Start(ctx, handler); err != nil && ctx.Err() == nil {
				logger.Error("channel stopped", "channel", ch.ID(), "error", err)
			}
		}(c)
	}
	logger.Info("gateway started", "channels", len(channels))
	wg.Wait()
	return nil
}

func (g *Gateway) processAndReply(ctx context.Context, msg types.Message) {
	reply, err := g.agent.Process(ctx, msg)
	if err != nil {
		logger.Error("agent processing failed", "channel", msg.ChannelID, "owner", msg.Owner, "error", err)
		return
	}
	if strings.TrimSpace(reply.Content) == "" {
		return
	}

	channel, ok := g.channelByID(msg.ChannelID)
	if !ok {
		logger.Error("no channel for reply", "channel", msg.ChannelID)
		return
	}
	if reply.ChannelID == "" {
		reply.ChannelID = msg.ChannelID
	}
	if reply.Owner == "" {
		reply.Owner = msg.Owner
	}
	if err := channel.Send(ctx, reply); err != nil {
		logger.Error("send reply failed", "channel", msg.ChannelID, "owner", msg.Owner, "error", err)
	}
}

// Notify delivers scheduler-originated content to an owner over the
// default channel. Errors are returned so the caller can retry.
func (g *Gateway) Notify(ctx context.Context, owner string, content string) error {
	g.mu.RLock()
	channel, ok := g.channels[g.defaultChannelID]
	g.mu.RUnlock()
	if !ok {
		return ErrNoChannel
	}
	return channel.Send(ctx, types.Message{
		Content:   content,
		Role:      types.MessageRoleAssistant,
		Kind:      types.MessageKindText,
		ChannelID: channel.ID(),
		Owner:     owner,
	})
}

func (g *Gateway) channelByID(id string) (types.Channel, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.channels[id]
	return c, ok
}

// Processed reports how many inbound events the gateway has handled.
func (g *Gateway) Processed() uint64 {
	return g.processed.Load()
}
