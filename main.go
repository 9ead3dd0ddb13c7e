package main

import (
	"context"
	"encoding/gob"
	"fmt"
	"log"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/minervahq/triage/api"
	"github.com/minervahq/triage/api/capability"
	"github.com/minervahq/triage/api/fingerprint"
	"github.com/minervahq/triage/api/pipeline"
	"github.com/minervahq/triage/api/queue"
	"github.com/minervahq/triage/config"
)

const envFile = "triage.env"

var (
	// populated at compile time based on data injected by the makefile
	version   = "unset"
	timestamp = "unset"
)

func main() {
	// Load environment
	env, err := config.Load(envFile)
	if err != nil {
		log.Fatal(err)
	}

	// Setup logging
	var logger *zap.Logger
	switch env.Mode {
	case "dev":
		logger, err = zap.NewDevelopment()
	case "prod":
		logger, err = zap.NewProduction()
	default:
		err = fmt.Errorf("Invalid 'mode' flag: %s", env.Mode)
	}
	if err != nil {
		log.Fatal(err)
	}

	defer func() {
		_ = logger.Sync()
	}()
	sugar := logger.Sugar()

	cfg := config.Config{
		Logger:      sugar,
		Environment: env,
	}

	// Log version
	sugar.Infof("Version: %s Timestamp: %s", version, timestamp)

	// Log config
	sugar.Info(env)

	// Verdict history store, also used to warm the fingerprint cache so
	// dedup survives a restart
	verdictDB, err := capability.OpenVerdictDB(env.VerdictDBPath)
	if err != nil {
		sugar.Fatal(err)
	}
	defer verdictDB.Close()

	store := fingerprint.NewMemoryStore()
	warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
	warmed, err := verdictDB.WarmFingerprints(warmCtx, store, env.FingerprintWarmCount)
	warmCancel()
	if err != nil {
		// dedup is an optimization: a cold cache just means recomputation
		sugar.Warnf("fingerprint cache warm failed, starting cold: %v", err)
	} else {
		sugar.Infof("Warmed fingerprint cache with %d verdicts", warmed)
	}

	// Capability clients
	model := capability.NewModelClient(&cfg)
	linkChecker := capability.NewSafeBrowsingChecker(&cfg)
	adapters := capability.Adapters{
		Extractor:        model,
		LinkChecker:      linkChecker,
		Reasoner:         model,
		Summarizer:       model,
		Translator:       model,
		History:          verdictDB,
		DefaultLocale:    env.DefaultLocale,
		SupportedLocales: env.SupportedLocales,
	}

	// Stage topology: configuration, validated before any run starts
	stageTimeout := time.Duration(env.StageTimeoutSec) * time.Second
	topology := pipeline.DefaultTopology(stageTimeout)
	if env.TopologyPath != "" {
		topology, err = pipeline.LoadTopology(env.TopologyPath, stageTimeout)
		if err != nil {
			sugar.Fatal(err)
		}
	}
	if err := topology.Bind(adapters.StageAdapters()); err != nil {
		sugar.Fatal(err)
	}

	coordinator, err := pipeline.NewCoordinator(&cfg, topology)
	if err != nil {
		sugar.Fatal(err)
	}

	// Setup the intake queue
	var intake queue.IntakeQueue
	if env.IntakePersistedQueue {
		// The gob package that the persisted queue uses for storing data requires a one-time
		// registration of any structures that it stores.
		gob.Register(pipeline.RunTicket{})
		intake, err = queue.NewPersistedFIFOQueue(env.IntakeQueueSize, env.IntakeQueueDir, env.IntakeQueueName)
		if err != nil {
			sugar.Fatal(err)
		}
		sugar.Infof("Loaded queue with %d entries from %s%s", intake.Size(), env.IntakeQueueDir, env.IntakeQueueName)
	} else {
		// in-memory queue, data does not survive a restart
		intake = queue.NewListFIFOQueue(env.IntakeQueueSize)
	}

	service := pipeline.NewService(&cfg, coordinator, intake, store, fingerprint.Digest, verdictDB)

	// Setup router
	r, err := api.NewRouter(cfg, service, verdictDB)
	if err != nil {
		sugar.Fatal(err)
	}

	// Start draining the intake queue
	service.Start()
	defer service.Stop()

	// Start listening
	sugar.Infof("Listening on %s", env.Addr)
	sugar.Fatal(http.ListenAndServe(env.Addr, r))
}
