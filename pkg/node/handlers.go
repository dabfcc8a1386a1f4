package node

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ryandielhenn/carmesh/pkg/protocol"
	"github.com/ryandielhenn/carmesh/pkg/store"
)

// HandleCommand dispatches one line from the command surface. Errors are
// reported to the user and contained; the loop never stops on a bad line.
func (n *Node) HandleCommand(ctx context.Context, line string) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
	case line == "ls p":
		n.listPeers()
	case strings.HasPrefix(line, "ls r"):
		n.listRecords(ctx, strings.TrimSpace(strings.TrimPrefix(line, "ls r")))
	case strings.HasPrefix(line, "create r"):
		n.createRecord(strings.TrimPrefix(line, "create r"))
	case strings.HasPrefix(line, "publish r"):
		n.publishRecord(strings.TrimSpace(strings.TrimPrefix(line, "publish r")))
	case line == "help":
		n.printHelp()
	default:
		n.log.Error("unknown command", zap.String("line", line))
		fmt.Fprintf(n.out, "unknown command %q (try \"help\")\n", line)
	}
}

func (n *Node) listPeers() {
	peers := n.view.Peers()
	fmt.Fprintf(n.out, "discovered peers (%d):\n", len(peers))
	for _, p := range peers {
		fmt.Fprintf(n.out, "  %s\n", p)
	}
}

// listRecords handles the "ls r" family: no argument shows the local
// collection, "all" broadcasts a query, anything else is a peer address
// for a directed query. Requests publish immediately; only computed
// responses go through the relay.
func (n *Node) listRecords(ctx context.Context, rest string) {
	switch rest {
	case "":
		recs, err := n.store.ReadAll()
		if err != nil {
			n.log.Error("reading local records", zap.Error(err))
			fmt.Fprintf(n.out, "error reading local records: %v\n", err)
			return
		}
		fmt.Fprintf(n.out, "local records (%d):\n", len(recs))
		for _, r := range recs {
			fmt.Fprintf(n.out, "  %s\n", formatRecord(r))
		}
	case "all":
		n.publishRequest(ctx, protocol.All())
	default:
		n.publishRequest(ctx, protocol.One(rest))
	}
}

func (n *Node) createRecord(rest string) {
	parts := strings.Split(rest, "|")
	if len(parts) < 3 {
		fmt.Fprintln(n.out, "too few arguments - format: create r make|model|horsepower")
		return
	}
	mk := strings.TrimSpace(parts[0])
	model := strings.TrimSpace(parts[1])
	horsepower := strings.TrimSpace(parts[2])

	rec, err := n.store.Create(mk, model, horsepower)
	if err != nil {
		n.log.Error("creating record", zap.Error(err))
		fmt.Fprintf(n.out, "error creating record: %v\n", err)
		return
	}
	fmt.Fprintf(n.out, "created %s\n", formatRecord(rec))
}

func (n *Node) publishRecord(rest string) {
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		fmt.Fprintf(n.out, "invalid id %q: %v\n", rest, err)
		return
	}
	found, err := n.store.Publish(id)
	if err != nil {
		n.log.Error("publishing record", zap.Uint64("id", id), zap.Error(err))
		fmt.Fprintf(n.out, "error publishing record %d: %v\n", id, err)
		return
	}
	if !found {
		fmt.Fprintf(n.out, "no record with id %d\n", id)
		return
	}
	fmt.Fprintf(n.out, "published record %d\n", id)
}

func (n *Node) printResponse(from string, resp protocol.ListResponse) {
	fmt.Fprintf(n.out, "response from %s (%d records):\n", from, len(resp.Data))
	for _, r := range resp.Data {
		fmt.Fprintf(n.out, "  %s\n", formatRecord(r))
	}
}

func (n *Node) printHelp() {
	fmt.Fprint(n.out, `commands:
  ls p                              list discovered peers
  ls r                              list local records
  ls r all                          query all peers for public records
  ls r <peer address>               query one peer for public records
  create r <make>|<model>|<hp>      create a private record
  publish r <id>                    make a record public
  help                              show this help
`)
}

func formatRecord(r store.Record) string {
	visibility := "private"
	if r.Public {
		visibility = "public"
	}
	return fmt.Sprintf("%d: %s %s (%s hp, %s)", r.ID, r.Make, r.Model, r.Horsepower, visibility)
}
