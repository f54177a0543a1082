package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"emergencyd/internal/aggregator"
	"emergencyd/internal/config"
	"emergencyd/internal/handlers"
	"emergencyd/internal/identity"
	"emergencyd/internal/monitor"
	"emergencyd/internal/node"
	"emergencyd/internal/store"
)

const Version = "1.0.0"

func main() {
	// Parse flags; cluster behaviour comes from the environment
	// (NODE_ID, CLUSTER_MODE, MULTICAST_GROUP, ...), paths from flags.
	dataDir := flag.String("data-dir", "", "Data directory (default: ./data or DATA_DIR)")
	listenAddr := flag.String("listen", "", "HTTP listen address (default derived from node id)")
	nodeIDFlag := flag.Int("node-id", 0, "Node id (0 = use NODE_ID env or auto-assign)")
	seed := flag.Bool("seed", false, "Seed reference data and default users on startup")
	flag.Parse()

	cfg := config.FromEnv()
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *nodeIDFlag != 0 {
		cfg.NodeID = *nodeIDFlag
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}

	// Resolve the node identity: an explicit id must validate; with
	// none, the binder scans for the first id whose ports bind.
	binder := identity.NewBinder(cfg.DataDir, config.BaseTCPPort, config.BaseUDPPort)
	if cfg.NodeID != 0 {
		if !identity.ValidateNodeID(cfg.NodeID) {
			log.Fatalf("Invalid node id %d: must be a positive integer below 2^31", cfg.NodeID)
		}
		log.Printf("Using configured node id %d", cfg.NodeID)
	} else {
		id, err := binder.Acquire()
		if err != nil {
			log.Fatalf("Node id assignment failed: %v", err)
		}
		cfg.NodeID = id
	}
	cfg.DerivePorts(cfg.NodeID)

	// Per-node SQLite store, keyed by the chosen id.
	st, err := store.Open(cfg.DBPath())
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	if *seed {
		if err := st.Seed(cfg.NodeID); err != nil {
			log.Fatalf("Seeding failed: %v", err)
		}
	}

	log.Printf("emergencyd v%s starting (sala %d)...", Version, cfg.NodeID)

	// Live cluster-event feed for operator consoles.
	hub := monitor.NewHub(cfg.NodeID)
	go hub.Run()

	// Coordination stack: discovery, election, locks, coordinator.
	nd := node.New(cfg, binder, st, hub)
	if err := nd.Start(); err != nil {
		log.Fatalf("Node startup failed: %v", err)
	}
	defer nd.Stop()

	agg := aggregator.New(cfg.NodeID, config.BaseHTTPPort, st, nd.Table())

	// ── Router ──
	r := mux.NewRouter()
	r.Use(loggingMiddleware)

	authHandler := handlers.NewAuthHandler(st)
	r.HandleFunc("/api/auth/login", authHandler.Login).Methods("POST")
	r.HandleFunc("/api/auth/logout", authHandler.Logout).Methods("POST")

	// Session cleanup goroutine
	go func() {
		ticker := time.NewTicker(15 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			authHandler.CleanExpiredSessions()
		}
	}()

	// Inter-node cluster API
	clusterHandler := handlers.NewClusterHandler(cfg.NodeID, st, nd.Coordinator())
	r.HandleFunc("/api/cluster/health", clusterHandler.Health).Methods("GET")
	r.HandleFunc("/api/cluster/doctors", clusterHandler.Doctors).Methods("GET")
	r.HandleFunc("/api/cluster/beds", clusterHandler.Beds).Methods("GET")
	r.HandleFunc("/api/cluster/social-workers", clusterHandler.SocialWorkers).Methods("GET")
	r.HandleFunc("/api/cluster/visits", clusterHandler.Visits).Methods("GET")
	r.HandleFunc("/api/cluster/patients", clusterHandler.Patients).Methods("GET")
	r.HandleFunc("/api/cluster/stats", clusterHandler.Stats).Methods("GET")
	r.HandleFunc("/api/cluster/create-visit", clusterHandler.CreateVisit).Methods("POST")
	r.HandleFunc("/api/cluster/replicate-visit", clusterHandler.ReplicateVisit).Methods("POST")
	r.HandleFunc("/api/cluster/close-visit", clusterHandler.CloseVisit).Methods("POST")

	// Cluster-wide aggregated reads
	aggHandler := handlers.NewAggregateHandler(agg)
	r.HandleFunc("/api/cluster/all-doctors", aggHandler.AllDoctors).Methods("GET")
	r.HandleFunc("/api/cluster/all-beds", aggHandler.AllBeds).Methods("GET")
	r.HandleFunc("/api/cluster/all-visits", aggHandler.AllVisits).Methods("GET")
	r.HandleFunc("/api/cluster/all-stats", aggHandler.AllStats).Methods("GET")

	// System-boundary write operations
	boundaryHandler := handlers.NewBoundaryHandler(cfg.NodeID, nd.Coordinator(), nd.Election(), authHandler)
	r.HandleFunc("/api/patients", boundaryHandler.CreatePatient).Methods("POST")
	r.HandleFunc("/api/visits", boundaryHandler.CreateVisit).Methods("POST")
	r.HandleFunc("/api/visits/close", boundaryHandler.CloseVisit).Methods("POST")
	r.HandleFunc("/api/sequence/increment", boundaryHandler.IncrementSequence).Methods("POST")
	r.HandleFunc("/api/node/status", boundaryHandler.Status).Methods("GET")

	// WebSocket for real-time cluster monitoring
	wsHandler := handlers.NewWSHandler(hub)
	r.HandleFunc("/ws/cluster", wsHandler.Monitor)

	addr := *listenAddr
	if addr == "" {
		addr = fmt.Sprintf(":%d", cfg.HTTPPort)
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, time.Since(start))
	})
}
