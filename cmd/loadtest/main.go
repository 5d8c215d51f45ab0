package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/codewandler/cimcore/adapters/nats"
	"github.com/codewandler/cimcore/core/app"
	"github.com/codewandler/cimcore/core/cache"
	"github.com/codewandler/cimcore/core/es"
	"github.com/codewandler/cimcore/domain/graph"
)

// === Config ===

// NOTE: run nats: docker run -v "/tmp/nats/jetstream:/tmp/nats/jetstream" --net=host nats:latest -js

var (
	logLevel    = slog.LevelInfo
	N           = getEnvInt("N", 50_000)
	batchSize   = getEnvInt("B", 1_000)
	backendType = getEnv("BACKEND", "nats")
	useSnapshot = getEnvBool("SNAPSHOT", true)
	useCache    = getEnvBool("CACHE", true)
	reload      = getEnvBool("LOAD_AFTER_SAVE", false)
)

func getEnvBool(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	return v == "1" || strings.ToLower(v) == "true"
}

func getEnv(key, fallback string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, fmt.Sprintf("%d", fallback)))
	if err != nil {
		return fallback
	}
	return v
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	fmt.Printf("Snapshot: %s\n", strconv.FormatBool(useSnapshot))
	fmt.Printf("Cache:    %s\n", strconv.FormatBool(useCache))
	fmt.Printf("Backend:  %s\n", backendType)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	cfg := app.Config{Context: ctx, Log: log}
	switch backendType {
	case "nats":
		closeAll := withNats(&cfg, log)
		defer closeAll()
	default:
		cfg.Store = es.NewInMemoryStore()
		if useSnapshot {
			cfg.Snapshotter = es.NewInMemorySnapshotter()
		}
	}
	if useSnapshot {
		cfg.SnapshotEvery = 100
	}
	if useCache {
		cfg.Cache = cache.NewLRU(cache.LRUOpts{Size: 1_000})
	}

	host, err := app.Run(cfg)
	checkErr(err)
	defer func() { checkErr(host.Stop(context.Background())) }()

	// === START ===

	log.Info("==================================")
	log.Info("Starting ...")

	startAt := time.Now()

	create := graph.NewCreateGraph("loadtest")
	_, err = host.Execute(ctx, create)
	checkErr(err)

	add := graph.NewAddNode(create.GraphID, "service", "api", graph.Position{})
	_, err = host.Execute(ctx, add)
	checkErr(err)

	var (
		lastTime = time.Now()
		last     es.Envelope
	)
	for i := 0; i < N; i++ {
		reply, err := host.Execute(ctx, graph.MoveNode{
			GraphID:  create.GraphID,
			NodeID:   add.NodeID,
			Position: graph.Position{X: float64(i), Y: float64(i % 100)},
		})
		checkErr(err)
		last = reply.Events[len(reply.Events)-1]

		if reload {
			g, err := host.Graphs().Load(ctx, create.GraphID)
			checkErr(err)
			if g.NodeCount() != 1 {
				panic("node lost")
			}
		}

		if i == 0 {
			continue
		}
		if i%100 == 0 {
			print(".")
		}
		if i%batchSize == 0 {
			mu := getMemUsage()

			n := time.Now()
			took := n.Sub(lastTime)
			fmt.Printf(" | %5d events | %6d ms |  %6d events/s | (%d / %d) MiB mem (sys) |\n", batchSize, took.Milliseconds(), int(float64(batchSize)/took.Seconds()), mu.Alloc/1024/1024, mu.Sys/1024/1024)
			lastTime = n
		}
	}

	// === stats ===
	println("")
	println("==========================================")

	took := time.Since(startAt)
	runtime.GC()

	fmt.Printf("total runtime: %.3f seconds\n", took.Seconds())
	fmt.Printf("      version: %d\n", last.Version)
	fmt.Printf("   stream seq: %d\n", last.Seq)
	fmt.Printf("     last cid: %s\n", last.CID)
	fmt.Printf("avg. writes/s: %d\n", int(float64(N)/took.Seconds()))
}

func withNats(cfg *app.Config, log *slog.Logger) (closeAll func()) {
	connect := nats.ReuseConnection(nats.ConnectDefault())
	store, err := nats.NewEventStore(nats.EventStoreConfig{
		Log:      log,
		Connect:  connect,
		Stream:   "CIM-LOADTEST",
		Subjects: es.Subjects{Prefix: "loadtest"},
	})
	checkErr(err)
	cfg.Store = store
	cfg.Subjects = es.Subjects{Prefix: "loadtest"}

	if !useSnapshot {
		return func() { _ = store.Close() }
	}
	snapshotter, kvStore, err := nats.NewSnapshotter(nats.KvConfig{
		Connect: connect,
		Log:     log,
		Bucket:  "loadtest_snapshots",
	}, es.WithSnapshotTTL(5*time.Minute))
	checkErr(err)
	cfg.Snapshotter = snapshotter
	return func() {
		_ = kvStore.Close()
		_ = store.Close()
	}
}

// === stats helpers ===

type MemUsage struct {
	Alloc      uint64 // bytes allocated and not yet freed (heap)
	TotalAlloc uint64 // cumulative bytes allocated
	Sys        uint64 // total bytes obtained from OS
	NumGC      uint32 // gc cycles
}

func getMemUsage() MemUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemUsage{
		Alloc:      m.Alloc,
		TotalAlloc: m.TotalAlloc,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
	}
}

func checkErr(err error) {
	if err != nil {
		panic(err)
	}
}
