// Package node ties the peer together: it owns the shared topic, classifies
// inbound traffic, spawns response computations, and runs the control loop
// that multiplexes local commands, network events, and queued responses.
package node

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/carmesh/discovery"
	"github.com/ryandielhenn/carmesh/internal/telemetry"
	"github.com/ryandielhenn/carmesh/pkg/protocol"
	"github.com/ryandielhenn/carmesh/pkg/relay"
	"github.com/ryandielhenn/carmesh/pkg/store"
)

// Topic is the broadcast channel the node publishes on. Satisfied by
// *pubsub.Topic; tests substitute an in-memory recorder.
type Topic interface {
	Publish(ctx context.Context, data []byte) error
}

// Inbound is one message delivered from the topic: the publisher's address
// and the raw payload.
type Inbound struct {
	From string
	Data []byte
}

// Config wires a Node. Out defaults to os.Stdout; it carries the
// human-facing listings while operational events go to the logger.
type Config struct {
	Self  string // this peer's address, compared by exact equality
	Topic Topic
	Store *store.Store
	Relay *relay.Relay
	View  *discovery.View
	Log   *zap.Logger
	Out   io.Writer
}

type Node struct {
	self  string
	topic Topic
	store *store.Store
	relay *relay.Relay
	view  *discovery.View
	log   *zap.Logger
	out   io.Writer

	// tracks in-flight response computations so shutdown and tests can
	// wait for them
	responders sync.WaitGroup
}

func New(cfg Config) *Node {
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	return &Node{
		self:  cfg.Self,
		topic: cfg.Topic,
		store: cfg.Store,
		relay: cfg.Relay,
		view:  cfg.View,
		log:   cfg.Log,
		out:   out,
	}
}

// Run is the control loop. Each iteration handles exactly one ready event:
// a local command line, an inbound topic message, or a queued response.
// It returns only when ctx is canceled; per-event errors are contained at
// the handler boundary.
func (n *Node) Run(ctx context.Context, lines <-chan string, inbound <-chan Inbound) error {
	for {
		select {
		case <-ctx.Done():
			n.responders.Wait()
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			n.HandleCommand(ctx, line)
		case msg, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			n.HandleInbound(ctx, msg)
		case resp := <-n.relay.Out():
			telemetry.RelayDepth.Set(float64(n.relay.Len()))
			n.publishResponse(ctx, resp)
		}
	}
}

// HandleInbound classifies one topic message and dispatches it. Traffic
// that is not for this peer (own echoes, responses addressed elsewhere,
// directed queries naming another peer, malformed payloads) is dropped
// without unwinding into the loop.
func (n *Node) HandleInbound(ctx context.Context, msg Inbound) {
	if msg.From == n.self {
		return // floodsub redelivers our own publishes
	}

	env, err := protocol.Decode(msg.Data)
	if err != nil {
		telemetry.MessagesDropped.Inc()
		n.log.Debug("dropping payload", zap.String("from", msg.From), zap.Error(err))
		return
	}
	telemetry.MessagesIn.WithLabelValues(string(env.Kind)).Inc()

	switch env.Kind {
	case protocol.KindListResponse:
		resp := *env.Response
		if resp.Receiver != n.self {
			telemetry.MessagesDropped.Inc()
			return
		}
		n.printResponse(msg.From, resp)

	case protocol.KindListRequest:
		req := *env.Request
		if req.Mode.Directed() && req.Mode.Target != n.self {
			return // not asked; stay silent
		}
		n.log.Info("list request",
			zap.String("from", msg.From),
			zap.String("mode", req.Mode.String()))
		n.spawnResponder(req.Mode, msg.From)
	}
}

// spawnResponder computes a response off the loop so the store round trip
// never blocks event handling. The result goes through the relay and is
// published by a later loop iteration.
func (n *Node) spawnResponder(mode protocol.ListMode, receiver string) {
	n.responders.Add(1)
	go func() {
		defer n.responders.Done()
		n.respond(mode, receiver)
	}()
}

func (n *Node) respond(mode protocol.ListMode, receiver string) {
	pub, err := n.store.Public()
	if err != nil {
		n.log.Error("reading records for response", zap.Error(err))
		return
	}
	resp := protocol.ListResponse{Mode: mode, Data: pub, Receiver: receiver}
	if err := n.relay.Send(resp); err != nil {
		if errors.Is(err, relay.ErrFull) {
			telemetry.RelayRejected.Inc()
			n.log.Warn("relay full, rejecting response", zap.String("receiver", receiver))
			return
		}
		n.log.Error("queueing response", zap.Error(err))
		return
	}
	telemetry.RelayDepth.Set(float64(n.relay.Len()))
}

func (n *Node) publishResponse(ctx context.Context, resp protocol.ListResponse) {
	data, err := protocol.EncodeResponse(resp)
	if err != nil {
		n.log.Error("encoding response", zap.Error(err))
		return
	}
	if err := n.topic.Publish(ctx, data); err != nil {
		n.log.Error("publishing response", zap.String("receiver", resp.Receiver), zap.Error(err))
		return
	}
	telemetry.MessagesOut.WithLabelValues(string(protocol.KindListResponse)).Inc()
}

func (n *Node) publishRequest(ctx context.Context, mode protocol.ListMode) {
	data, err := protocol.EncodeRequest(protocol.ListRequest{Mode: mode})
	if err != nil {
		n.log.Error("encoding request", zap.Error(err))
		return
	}
	if err := n.topic.Publish(ctx, data); err != nil {
		n.log.Error("publishing request", zap.String("mode", mode.String()), zap.Error(err))
		return
	}
	telemetry.MessagesOut.WithLabelValues(string(protocol.KindListRequest)).Inc()
}
