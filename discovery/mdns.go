package discovery

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"go.uber.org/zap"
)

// Service runs zero-configuration LAN discovery: it announces this host
// over mDNS, feeds found peers into the View, and dials them so the pubsub
// mesh picks them up. A background sweeper expires peers that stop
// announcing.
type Service struct {
	host   host.Host
	view   *View
	log    *zap.Logger
	mdns   mdns.Service
	cancel context.CancelFunc
	done   chan struct{}

	sweepEvery  time.Duration
	dialTimeout time.Duration
}

func NewService(h host.Host, view *View, serviceTag string, log *zap.Logger) *Service {
	sweep := view.ttl / 3
	if sweep < time.Second {
		sweep = time.Second
	}
	s := &Service{
		host:        h,
		view:        view,
		log:         log,
		done:        make(chan struct{}),
		sweepEvery:  sweep,
		dialTimeout: 10 * time.Second,
	}
	s.mdns = mdns.NewMdnsService(h, serviceTag, s)
	return s
}

// Start begins announcing and listening on the LAN and launches the
// expiry sweeper. An error here is a startup failure; the process has no
// degraded mode without discovery.
func (s *Service) Start(ctx context.Context) error {
	if err := s.mdns.Start(); err != nil {
		return err
	}
	ctx, s.cancel = context.WithCancel(ctx)
	go s.sweepLoop(ctx)
	return nil
}

// Close stops the mDNS service and the sweeper.
func (s *Service) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return s.mdns.Close()
}

// HandlePeerFound is the mDNS notifee callback. It runs on the discovery
// goroutine, so the dial happens on its own goroutine to keep the callback
// prompt.
func (s *Service) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == s.host.ID() {
		return
	}
	fresh := !s.view.Contains(pi.ID)
	s.view.Add(pi.ID)
	if fresh {
		s.log.Info("peer discovered", zap.String("peer", pi.ID.String()))
	} else {
		s.log.Debug("peer re-announced", zap.String("peer", pi.ID.String()))
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.dialTimeout)
		defer cancel()
		if err := s.host.Connect(ctx, pi); err != nil {
			s.log.Debug("dial failed", zap.String("peer", pi.ID.String()), zap.Error(err))
		}
	}()
}

func (s *Service) sweepLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, p := range s.view.Sweep(now) {
				s.log.Info("peer expired", zap.String("peer", p.String()))
			}
		}
	}
}
