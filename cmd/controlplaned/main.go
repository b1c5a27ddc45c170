// Command controlplaned runs one node of the replicated content-extraction
// control plane: the Log & Vote Store, State Machine, Replication Engine,
// Command Router, Coordinator Loop, Index Ingestion Bridge, and the
// executor-facing and inter-node RPC surfaces, wired together the way
// spec.md §2 describes a node's process boundary.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/extractctl/controlplane/internal/coordinator"
	"github.com/extractctl/controlplane/internal/eventqueue"
	"github.com/extractctl/controlplane/internal/ingestion"
	"github.com/extractctl/controlplane/internal/logstore"
	"github.com/extractctl/controlplane/internal/raft"
	"github.com/extractctl/controlplane/internal/router"
	"github.com/extractctl/controlplane/internal/rpcserver"
	"github.com/extractctl/controlplane/internal/statemachine"
)

func main() {
	app := &cli.App{
		Name:  "controlplaned",
		Usage: "replicated content-extraction control plane node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id", Usage: "this node's stable identity; a random id is generated if omitted (single-node dev only — a real cluster's peer ids must be stable)"},
			&cli.StringFlag{Name: "listen", Value: ":8500", Usage: "address the node's HTTP surfaces listen on"},
			&cli.StringSliceFlag{Name: "peer", Usage: `peer as "id=http://host:port", repeatable`},
			&cli.StringFlag{Name: "data-dir", Value: "", Usage: "directory for the durable log/vote store; empty uses an in-memory store"},
			&cli.Int64Flag{Name: "liveness-window-secs", Value: 30, Usage: "executor heartbeat liveness window"},
			&cli.BoolFlag{Name: "bootstrap-leader", Usage: "force this node to start as leader of a fresh single-node cluster"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Crit("controlplaned: fatal", "err", err)
	}
}

func run(c *cli.Context) error {
	nodeID := c.String("id")
	if nodeID == "" {
		nodeID = uuid.NewString()
		log.Warn("controlplaned: no --id given, generated a random one for this run", "id", nodeID)
	}

	peerAddrs, peerIDs, err := parsePeers(c.StringSlice("peer"))
	if err != nil {
		return err
	}

	if dataDir := c.String("data-dir"); dataDir != "" {
		dirLock, locked, err := acquireDataDirLock(dataDir, nodeID)
		if err != nil {
			return fmt.Errorf("controlplaned: lock data dir: %w", err)
		}
		if !locked {
			return fmt.Errorf("controlplaned: data dir %q is already locked by another process", dataDir)
		}
		defer dirLock.Unlock()
	}

	db, err := openStore(c.String("data-dir"), nodeID)
	if err != nil {
		return fmt.Errorf("controlplaned: open store: %w", err)
	}
	defer db.Close()

	store, err := logstore.New(db)
	if err != nil {
		return fmt.Errorf("controlplaned: init log store: %w", err)
	}

	sm := statemachine.New(nil)
	queue := eventqueue.New()

	transport := raft.NewHTTPTransport(peerAddrs)
	node, err := raft.New(nodeID, peerIDs, transport, store, sm, queue.ApplyHook())
	if err != nil {
		return fmt.Errorf("controlplaned: init replication engine: %w", err)
	}

	if c.Bool("bootstrap-leader") {
		node.BootstrapAsLeader()
	}

	r := router.New(node, sm, transport, 0)

	vectorIndex := ingestion.NoopVectorIndex{}
	attributeIndex := ingestion.NoopAttributeIndex{}
	bridge := ingestion.New(sm, r, vectorIndex, attributeIndex)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	loop := coordinator.New(sm, r, queue, c.Int64("liveness-window-secs"), nil, rng)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go node.Run()
	defer node.Stop()
	go loop.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/raft/", raft.Handler(node))
	mux.Handle("/executors/", rpcserver.New(sm, r, bridge))

	srv := &http.Server{Addr: c.String("listen"), Handler: mux}
	go func() {
		log.Info("controlplaned: listening", "id", nodeID, "addr", c.String("listen"))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("controlplaned: http server exited", "err", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("controlplaned: shutting down", "id", nodeID)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

var _ router.Forwarder = (*raft.HTTPTransport)(nil)

func openStore(dataDir, nodeID string) (ethdb.KeyValueStore, error) {
	if dataDir == "" {
		return memorydb.New(), nil
	}
	return leveldb.New(dataDir+"/"+nodeID, 256, 0, "controlplaned/", false)
}

// acquireDataDirLock guards a durable data dir against a second process
// opening the same goleveldb store concurrently, which would otherwise
// corrupt the on-disk log. The lock is released automatically if the
// process dies, unlike a bare pid file.
func acquireDataDirLock(dataDir, nodeID string) (*flock.Flock, bool, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, false, err
	}
	fl := flock.New(dataDir + "/" + nodeID + ".lock")
	locked, err := fl.TryLock()
	return fl, locked, err
}

// parsePeers splits "id=addr" flag values into an address lookup (for the
// HTTP transport) and a bare peer-id list (for the replication engine).
func parsePeers(raw []string) (map[string]string, []string, error) {
	addrs := make(map[string]string, len(raw))
	ids := make([]string, 0, len(raw))
	for _, p := range raw {
		parts := strings.SplitN(p, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, nil, fmt.Errorf("controlplaned: malformed --peer %q, want id=addr", p)
		}
		addrs[parts[0]] = parts[1]
		ids = append(ids, parts[0])
	}
	return addrs, ids, nil
}
