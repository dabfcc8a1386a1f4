package node

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/carmesh/discovery"
	"github.com/ryandielhenn/carmesh/pkg/protocol"
	"github.com/ryandielhenn/carmesh/pkg/relay"
	"github.com/ryandielhenn/carmesh/pkg/store"
)

const (
	selfAddr   = "12D3KooWSelfSelfSelfSelfSelfSelf"
	remoteAddr = "12D3KooWRemoteRemoteRemoteRemote"
)

// fakeTopic records published payloads and signals each publish on a
// channel so tests can wait without sleeping.
type fakeTopic struct {
	mu        sync.Mutex
	published [][]byte
	ch        chan []byte
}

func newFakeTopic() *fakeTopic {
	return &fakeTopic{ch: make(chan []byte, 16)}
}

func (f *fakeTopic) Publish(_ context.Context, data []byte) error {
	f.mu.Lock()
	f.published = append(f.published, data)
	f.mu.Unlock()
	f.ch <- data
	return nil
}

func (f *fakeTopic) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func newTestNode(t *testing.T) (*Node, *fakeTopic, *store.Store, *relay.Relay, *bytes.Buffer) {
	t.Helper()
	topic := newFakeTopic()
	st := store.New(filepath.Join(t.TempDir(), "carinfo.json"))
	rl := relay.New(16)
	out := &bytes.Buffer{}
	n := New(Config{
		Self:  selfAddr,
		Topic: topic,
		Store: st,
		Relay: rl,
		View:  discovery.NewView(time.Minute),
		Log:   zap.NewNop(),
		Out:   out,
	})
	return n, topic, st, rl, out
}

func seedRecords(t *testing.T, st *store.Store) {
	t.Helper()
	if err := st.WriteAll([]store.Record{
		{ID: 0, Make: "VW", Model: "Golf", Horsepower: "110", Public: true},
		{ID: 1, Make: "BMW", Model: "M3", Horsepower: "473"},
	}); err != nil {
		t.Fatalf("seed store: %v", err)
	}
}

func encodeRequest(t *testing.T, mode protocol.ListMode) []byte {
	t.Helper()
	data, err := protocol.EncodeRequest(protocol.ListRequest{Mode: mode})
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	return data
}

func TestBroadcastRequestQueuesOneResponse(t *testing.T) {
	n, _, st, rl, _ := newTestNode(t)
	seedRecords(t, st)

	n.HandleInbound(context.Background(), Inbound{From: remoteAddr, Data: encodeRequest(t, protocol.All())})
	n.responders.Wait()

	if got := rl.Len(); got != 1 {
		t.Fatalf("relay len = %d, want 1", got)
	}
	resp := <-rl.Out()
	if resp.Receiver != remoteAddr {
		t.Fatalf("receiver = %q, want %q", resp.Receiver, remoteAddr)
	}
	if resp.Mode != protocol.All() {
		t.Fatalf("mode = %+v, want all", resp.Mode)
	}
	if len(resp.Data) != 1 || resp.Data[0].ID != 0 {
		t.Fatalf("data = %+v, want only the public record", resp.Data)
	}
}

func TestDirectedRequestForSelfQueuesOneResponse(t *testing.T) {
	n, _, st, rl, _ := newTestNode(t)
	seedRecords(t, st)

	n.HandleInbound(context.Background(), Inbound{From: remoteAddr, Data: encodeRequest(t, protocol.One(selfAddr))})
	n.responders.Wait()

	if got := rl.Len(); got != 1 {
		t.Fatalf("relay len = %d, want 1", got)
	}
	resp := <-rl.Out()
	if resp.Receiver != remoteAddr {
		t.Fatalf("receiver = %q, want %q", resp.Receiver, remoteAddr)
	}
	for _, r := range resp.Data {
		if !r.Public {
			t.Fatalf("private record %d leaked into response", r.ID)
		}
	}
}

func TestDirectedRequestForOtherPeerIgnored(t *testing.T) {
	n, topic, st, rl, _ := newTestNode(t)
	seedRecords(t, st)

	n.HandleInbound(context.Background(), Inbound{From: remoteAddr, Data: encodeRequest(t, protocol.One("12D3KooWSomebodyElse"))})
	n.responders.Wait()

	if got := rl.Len(); got != 0 {
		t.Fatalf("relay len = %d, want 0", got)
	}
	if got := topic.count(); got != 0 {
		t.Fatalf("published %d messages, want 0", got)
	}
}

func TestOwnEchoSkipped(t *testing.T) {
	n, _, st, rl, _ := newTestNode(t)
	seedRecords(t, st)

	n.HandleInbound(context.Background(), Inbound{From: selfAddr, Data: encodeRequest(t, protocol.All())})
	n.responders.Wait()

	if got := rl.Len(); got != 0 {
		t.Fatalf("relay len = %d, want 0 for own echo", got)
	}
}

func TestMalformedPayloadDropped(t *testing.T) {
	n, topic, _, rl, out := newTestNode(t)

	n.HandleInbound(context.Background(), Inbound{From: remoteAddr, Data: []byte("{broken")})
	n.responders.Wait()

	if rl.Len() != 0 || topic.count() != 0 || out.Len() != 0 {
		t.Fatal("malformed payload had visible effects")
	}
}

func TestResponseForSelfIsPrinted(t *testing.T) {
	n, topic, _, rl, out := newTestNode(t)

	resp := protocol.ListResponse{
		Mode:     protocol.All(),
		Data:     []store.Record{{ID: 0, Make: "VW", Model: "Golf", Horsepower: "110", Public: true}},
		Receiver: selfAddr,
	}
	data, err := protocol.EncodeResponse(resp)
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	n.HandleInbound(context.Background(), Inbound{From: remoteAddr, Data: data})

	if !strings.Contains(out.String(), remoteAddr) || !strings.Contains(out.String(), "Golf") {
		t.Fatalf("output = %q, want response listing", out.String())
	}
	// A response for us is consumed, never re-published or queued.
	if topic.count() != 0 || rl.Len() != 0 {
		t.Fatal("response for self was re-circulated")
	}
}

func TestResponseForOtherPeerIgnoredExactMatchOnly(t *testing.T) {
	n, _, _, _, out := newTestNode(t)

	// A receiver that merely prefixes our address must not match.
	for _, receiver := range []string{remoteAddr, selfAddr[:len(selfAddr)-2], selfAddr + "XX"} {
		resp := protocol.ListResponse{Mode: protocol.All(), Receiver: receiver}
		data, err := protocol.EncodeResponse(resp)
		if err != nil {
			t.Fatalf("encode response: %v", err)
		}
		n.HandleInbound(context.Background(), Inbound{From: remoteAddr, Data: data})
	}

	if out.Len() != 0 {
		t.Fatalf("output = %q, want none for foreign receivers", out.String())
	}
}

func TestListAllCommandPublishesBroadcastRequest(t *testing.T) {
	n, topic, _, _, _ := newTestNode(t)

	n.HandleCommand(context.Background(), "ls r all")

	select {
	case data := <-topic.ch:
		env, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("published payload does not decode: %v", err)
		}
		if env.Kind != protocol.KindListRequest || env.Request.Mode != protocol.All() {
			t.Fatalf("published %+v, want broadcast request", env)
		}
	case <-time.After(time.Second):
		t.Fatal("no publish after ls r all")
	}
}

func TestListOneCommandPublishesDirectedRequest(t *testing.T) {
	n, topic, _, _, _ := newTestNode(t)

	n.HandleCommand(context.Background(), "ls r "+remoteAddr)

	select {
	case data := <-topic.ch:
		env, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("published payload does not decode: %v", err)
		}
		if env.Kind != protocol.KindListRequest || env.Request.Mode != protocol.One(remoteAddr) {
			t.Fatalf("published %+v, want directed request", env)
		}
	case <-time.After(time.Second):
		t.Fatal("no publish after ls r <address>")
	}
}

func TestLocalListDoesNotPublish(t *testing.T) {
	n, topic, st, _, out := newTestNode(t)
	seedRecords(t, st)

	n.HandleCommand(context.Background(), "ls r")

	if topic.count() != 0 {
		t.Fatal("ls r published on the topic")
	}
	if !strings.Contains(out.String(), "Golf") || !strings.Contains(out.String(), "M3") {
		t.Fatalf("output = %q, want both local records", out.String())
	}
}

func TestCreateCommand(t *testing.T) {
	n, _, st, _, _ := newTestNode(t)

	n.HandleCommand(context.Background(), "create r VW|Golf|110")

	recs, err := st.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("len = %d, want 1", len(recs))
	}
	want := store.Record{ID: 0, Make: "VW", Model: "Golf", Horsepower: "110"}
	if recs[0] != want {
		t.Fatalf("record = %+v, want %+v", recs[0], want)
	}
}

func TestCreateCommandTooFewArgs(t *testing.T) {
	n, _, st, _, out := newTestNode(t)

	n.HandleCommand(context.Background(), "create r VW|Golf")

	if cnt, _ := st.Len(); cnt != 0 {
		t.Fatalf("store len = %d, want 0", cnt)
	}
	if !strings.Contains(out.String(), "too few arguments") {
		t.Fatalf("output = %q, want usage hint", out.String())
	}
}

func TestPublishCommand(t *testing.T) {
	n, _, st, _, _ := newTestNode(t)
	n.HandleCommand(context.Background(), "create r VW|Golf|110")
	n.HandleCommand(context.Background(), "create r BMW|M3|473")

	n.HandleCommand(context.Background(), "publish r 1")

	recs, err := st.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	var public int
	for _, r := range recs {
		if r.Public {
			public++
		}
	}
	if public != 1 {
		t.Fatalf("public count = %d, want 1", public)
	}
}

func TestPublishCommandUnknownID(t *testing.T) {
	n, _, _, _, out := newTestNode(t)
	n.HandleCommand(context.Background(), "publish r 42")
	if !strings.Contains(out.String(), "no record with id 42") {
		t.Fatalf("output = %q, want missing-id report", out.String())
	}
}

func TestUnknownCommandReported(t *testing.T) {
	n, topic, _, rl, out := newTestNode(t)
	n.HandleCommand(context.Background(), "frobnicate the widget")
	if !strings.Contains(out.String(), "unknown command") {
		t.Fatalf("output = %q, want unknown-command report", out.String())
	}
	if topic.count() != 0 || rl.Len() != 0 {
		t.Fatal("unknown command had protocol side effects")
	}
}

// End-to-end over the loop: a broadcast request from peer B is answered by
// publishing peer A's public records addressed to B.
func TestRunPublishesQueuedResponse(t *testing.T) {
	n, topic, st, _, _ := newTestNode(t)
	if err := st.WriteAll([]store.Record{{ID: 0, Make: "VW", Model: "Golf", Horsepower: "110", Public: true}}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lines := make(chan string)
	inbound := make(chan Inbound)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = n.Run(ctx, lines, inbound)
	}()

	inbound <- Inbound{From: remoteAddr, Data: encodeRequest(t, protocol.All())}

	select {
	case data := <-topic.ch:
		env, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("published payload does not decode: %v", err)
		}
		if env.Kind != protocol.KindListResponse {
			t.Fatalf("kind = %q, want response", env.Kind)
		}
		resp := *env.Response
		if resp.Receiver != remoteAddr {
			t.Fatalf("receiver = %q, want %q", resp.Receiver, remoteAddr)
		}
		if resp.Mode != protocol.All() {
			t.Fatalf("mode = %+v, want all", resp.Mode)
		}
		if len(resp.Data) != 1 || resp.Data[0].ID != 0 || !resp.Data[0].Public {
			t.Fatalf("data = %+v, want the single public record", resp.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no response published")
	}

	cancel()
	<-done
}

// The loop keeps serving after a bad command and after malformed traffic.
func TestRunSurvivesBadInput(t *testing.T) {
	n, topic, st, _, _ := newTestNode(t)
	if err := st.WriteAll([]store.Record{{ID: 0, Make: "VW", Model: "Golf", Horsepower: "110", Public: true}}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lines := make(chan string)
	inbound := make(chan Inbound)
	go func() { _ = n.Run(ctx, lines, inbound) }()

	lines <- "definitely not a command"
	inbound <- Inbound{From: remoteAddr, Data: []byte("junk")}
	inbound <- Inbound{From: remoteAddr, Data: encodeRequest(t, protocol.All())}

	select {
	case data := <-topic.ch:
		if env, err := protocol.Decode(data); err != nil || env.Kind != protocol.KindListResponse {
			t.Fatalf("published %v (%v), want a response", env, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop stopped serving after bad input")
	}
}
