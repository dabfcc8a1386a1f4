// Command flood is a load generator: it joins the car-info topic with a
// throwaway identity and publishes broadcast list requests at bounded
// concurrency, reporting the achieved rate. Useful for exercising peers'
// relay bounds on a LAN.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"go.uber.org/zap"

	"github.com/ryandielhenn/carmesh/discovery"
	"github.com/ryandielhenn/carmesh/pkg/identity"
	"github.com/ryandielhenn/carmesh/pkg/protocol"
)

func main() {
	topicName := flag.String("topic", "carinfo", "shared topic name")
	n := flag.Int("n", 1000, "requests to publish")
	conc := flag.Int("c", 16, "concurrency")
	warmup := flag.Duration("warmup", 3*time.Second, "time to wait for mDNS discovery before publishing")
	flag.Parse()

	ctx := context.Background()

	id, err := identity.Generate()
	if err != nil {
		log.Fatal(err)
	}
	host, err := libp2p.New(
		libp2p.Identity(id.PrivKey()),
		libp2p.ListenAddrStrings("/ip4/0.0.0.0/tcp/0"),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer host.Close()

	ps, err := pubsub.NewFloodSub(ctx, host)
	if err != nil {
		log.Fatal(err)
	}
	topic, err := ps.Join(*topicName)
	if err != nil {
		log.Fatal(err)
	}

	view := discovery.NewView(time.Minute)
	disc := discovery.NewService(host, view, "carmesh", zap.NewNop())
	if err := disc.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer disc.Close()

	time.Sleep(*warmup)
	fmt.Printf("flooding %d requests at c=%d (%d peers in view)\n", *n, *conc, view.Len())

	payload, err := protocol.EncodeRequest(protocol.ListRequest{Mode: protocol.All()})
	if err != nil {
		log.Fatal(err)
	}

	wg := sync.WaitGroup{}
	sem := make(chan struct{}, *conc)
	start := time.Now()
	for i := 0; i < *n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			if err := topic.Publish(ctx, payload); err != nil {
				log.Printf("publish: %v", err)
			}
			<-sem
		}()
	}
	wg.Wait()
	dur := time.Since(start)
	fmt.Printf("published %d requests in %s (%.2f msg/s)\n", *n, dur, float64(*n)/dur.Seconds())
}
