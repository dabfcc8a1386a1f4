// Command peer runs one carmesh peer: it generates a process-lifetime
// identity, joins the shared car-info topic over floodsub, discovers LAN
// peers via mDNS, and serves the line-oriented command surface on stdin.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"go.uber.org/zap"

	"github.com/ryandielhenn/carmesh/discovery"
	"github.com/ryandielhenn/carmesh/internal/telemetry"
	"github.com/ryandielhenn/carmesh/pkg/identity"
	"github.com/ryandielhenn/carmesh/pkg/node"
	"github.com/ryandielhenn/carmesh/pkg/relay"
	"github.com/ryandielhenn/carmesh/pkg/store"
)

// set via ldflags
var (
	version = "dev"
	gitSHA  = ""
)

const serviceTag = "carmesh"

func main() {
	storePath := flag.String("store", "carinfo.json", "path of the local record store")
	topicName := flag.String("topic", "carinfo", "shared topic name")
	listenAddr := flag.String("listen", "/ip4/0.0.0.0/tcp/0", "libp2p listen multiaddr")
	relayCap := flag.Int("relay-cap", relay.DefaultCapacity, "response relay capacity")
	peerTTL := flag.Duration("peer-ttl", 30*time.Second, "discovery view entry TTL")
	httpAddr := flag.String("http", "", "diagnostics listen address (empty disables)")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	logger, err := buildLogger(*debug)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	telemetry.SetBuildInfo(version, gitSHA)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Identity, transport, and topic membership are startup-fatal: the
	// peer has no degraded mode without networking.
	id, err := identity.Generate()
	if err != nil {
		logger.Fatal("generating identity", zap.Error(err))
	}
	logger.Info("peer identity", zap.String("address", id.Address()))

	host, err := libp2p.New(
		libp2p.Identity(id.PrivKey()),
		libp2p.ListenAddrStrings(*listenAddr),
	)
	if err != nil {
		logger.Fatal("creating host", zap.Error(err))
	}
	defer host.Close()

	ps, err := pubsub.NewFloodSub(ctx, host)
	if err != nil {
		logger.Fatal("creating floodsub", zap.Error(err))
	}
	topic, err := ps.Join(*topicName)
	if err != nil {
		logger.Fatal("joining topic", zap.String("topic", *topicName), zap.Error(err))
	}
	sub, err := topic.Subscribe()
	if err != nil {
		logger.Fatal("subscribing", zap.String("topic", *topicName), zap.Error(err))
	}
	defer sub.Cancel()

	view := discovery.NewView(*peerTTL)
	disc := discovery.NewService(host, view, serviceTag, logger)
	if err := disc.Start(ctx); err != nil {
		logger.Fatal("starting mdns discovery", zap.Error(err))
	}
	defer disc.Close()

	st := store.New(*storePath)
	rl := relay.New(*relayCap)

	n := node.New(node.Config{
		Self:  id.Address(),
		Topic: publisher{topic},
		Store: st,
		Relay: rl,
		View:  view,
		Log:   logger,
	})

	if *httpAddr != "" {
		go serveDiagnostics(*httpAddr, id.Address(), st, view, logger)
	}

	lines := readLines(ctx, os.Stdin)
	inbound := readTopic(ctx, sub, logger)

	logger.Info("peer running",
		zap.String("topic", *topicName),
		zap.String("store", *storePath))
	if err := n.Run(ctx, lines, inbound); err != nil && err != context.Canceled {
		logger.Error("control loop", zap.Error(err))
	}
	logger.Info("shutting down")
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// publisher adapts *pubsub.Topic (variadic options) to node.Topic.
type publisher struct {
	topic *pubsub.Topic
}

func (p publisher) Publish(ctx context.Context, data []byte) error {
	return p.topic.Publish(ctx, data)
}

// readLines pumps stdin into a channel; the channel closes on EOF so the
// loop keeps serving network traffic after input ends.
func readLines(ctx context.Context, r *os.File) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// readTopic pumps subscription messages into a channel for the loop.
func readTopic(ctx context.Context, sub *pubsub.Subscription, logger *zap.Logger) <-chan node.Inbound {
	inbound := make(chan node.Inbound)
	go func() {
		defer close(inbound)
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("subscription closed", zap.Error(err))
				}
				return
			}
			select {
			case inbound <- node.Inbound{From: msg.GetFrom().String(), Data: msg.Data}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return inbound
}

// serveDiagnostics exposes /healthz, /info, and /metrics.
func serveDiagnostics(addr, self string, st *store.Store, view *discovery.View, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	start := time.Now()
	mux.HandleFunc("/info", func(w http.ResponseWriter, _ *http.Request) {
		records, err := st.Len()
		if err != nil {
			logger.Error("reading store for /info", zap.Error(err))
		}
		resp := struct {
			Address string  `json:"address"`
			Records int     `json:"records"`
			Peers   int     `json:"peers"`
			Uptime  float64 `json:"uptime_seconds"`
		}{self, records, view.Len(), time.Since(start).Seconds()}
		data, _ := json.Marshal(resp)
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})
	mux.Handle("/metrics", telemetry.MetricsHandler())

	logger.Info("diagnostics listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("diagnostics server", zap.Error(err))
	}
}
