// Command syncserver runs the docsync Coordinator Server: it wires a
// Mongo-backed server store, an optional Redis cross-node broadcaster, and
// the websocket RPC surfaces for both the OT (/ot) and the LWW (/lww)
// document variants plus the branch admin routes, per spec §6/§4.4/§4.5. Grounded on crdtserver/main.go's flag-configured,
// signal-driven graceful-shutdown main loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"docsync/branch"
	"docsync/config"
	"docsync/coordinator"
	"docsync/rpc"
	"docsync/serverstore"
)

func main() {
	mongoURI := flag.String("mongo", "mongodb://localhost:27017", "MongoDB connection URI")
	mongoDB := flag.String("db", "docsync", "MongoDB database name")
	redisAddr := flag.String("redis", "", "Redis address for cross-node broadcast (empty disables it)")
	nodeID := flag.String("node-id", "", "This node's id, used to tag and filter its own broadcasts")
	httpAddr := flag.String("listen", ":8080", "HTTP listen address")
	sessionTimeoutMinutes := flag.Int("session-timeout-minutes", 30, "inactivity gap that ends an editing session")
	snapshotInterval := flag.Int("snapshot-interval", 200, "committed-change count between snapshot compactions")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncserver: building logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if *nodeID == "" {
		*nodeID = fmt.Sprintf("node-%d", time.Now().UnixNano())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(*mongoURI))
	if err != nil {
		log.Fatal("connecting to mongo", zap.Error(err))
	}
	defer mongoClient.Disconnect(context.Background())
	db := mongoClient.Database(*mongoDB)

	otStore, err := serverstore.NewMongoOTStore(ctx, db, log)
	if err != nil {
		log.Fatal("opening OT store", zap.Error(err))
	}
	lwwStore, err := serverstore.NewMongoLWWStore(ctx, db, log)
	if err != nil {
		log.Fatal("opening LWW store", zap.Error(err))
	}

	cfg := config.DefaultOptions()
	cfg.SessionTimeoutMinutes = *sessionTimeoutMinutes
	cfg.SnapshotInterval = *snapshotInterval

	otServer := coordinator.NewOTServer(otStore, cfg, log)
	lwwServer := coordinator.NewLWWServer(lwwStore, cfg, log)
	branchManager := branch.NewManager(otStore, otServer, log)

	if *redisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer redisClient.Close()

		otBroadcaster, err := coordinator.NewRedisBroadcaster(ctx, redisClient, "docsync:ot", *nodeID, log)
		if err != nil {
			log.Fatal("creating OT broadcaster", zap.Error(err))
		}
		lwwBroadcaster, err := coordinator.NewRedisBroadcaster(ctx, redisClient, "docsync:lww", *nodeID, log)
		if err != nil {
			log.Fatal("creating LWW broadcaster", zap.Error(err))
		}
		otServer.AttachBroadcaster(ctx, otBroadcaster)
		lwwServer.AttachBroadcaster(ctx, lwwBroadcaster)
		go func() {
			if err := otBroadcaster.Run(ctx); err != nil && ctx.Err() == nil {
				log.Warn("OT broadcaster run loop exited", zap.Error(err))
			}
		}()
		go func() {
			if err := lwwBroadcaster.Run(ctx); err != nil && ctx.Err() == nil {
				log.Warn("LWW broadcaster run loop exited", zap.Error(err))
			}
		}()
	}

	compactor := coordinator.NewCompactor(lwwStore, lwwDocLister(db), nil, log)
	compactor.ScheduleCompaction(10 * time.Minute)
	defer compactor.StopCompaction()

	mux := http.NewServeMux()
	mux.Handle("/ot", rpc.NewOTHandler(otServer, log))
	mux.Handle("/lww", rpc.NewLWWHandler(lwwServer, log))
	rpc.NewBranchHandler(branchManager, log).Register(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: *httpAddr, Handler: mux}
	go func() {
		log.Info("syncserver listening", zap.String("addr", *httpAddr), zap.String("node_id", *nodeID))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", zap.Error(err))
	}
}

// lwwDocLister returns a coordinator.DocLister backed by a distinct-values
// aggregation over the LWW ops collection, the cheapest way to enumerate
// candidate documents for a compaction sweep without a dedicated index.
func lwwDocLister(db *mongo.Database) coordinator.DocLister {
	return func(ctx context.Context) ([]string, error) {
		ids, err := db.Collection("lww_ops").Distinct(ctx, "docId", struct{}{})
		if err != nil {
			return nil, fmt.Errorf("syncserver: listing lww documents: %w", err)
		}
		out := make([]string, 0, len(ids))
		for _, id := range ids {
			if s, ok := id.(string); ok {
				out = append(out, s)
			}
		}
		return out, nil
	}
}
