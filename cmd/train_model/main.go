package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"

	"go.uber.org/zap"

	"invpredict/config"
	"invpredict/ml"
	"invpredict/pipeline"
	"invpredict/training"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	dataPath := flag.String("data", "", "training CSV (defaults to training.dataset_path)")
	outPath := flag.String("out", "", "artifact output path (defaults to model.artifact_path)")
	algorithm := flag.String("algorithm", "", "linear, decision_tree or random_forest")
	testFraction := flag.Float64("test_fraction", 0, "held-out fraction in (0,1)")
	seed := flag.Int64("seed", -1, "random seed; negative means unseeded")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *dataPath == "" {
		*dataPath = cfg.Training.DatasetPath
	}
	if *dataPath == "" {
		log.Fatal("data is required")
	}
	if *outPath == "" {
		*outPath = cfg.Model.ArtifactPath
	}
	if *algorithm == "" {
		*algorithm = cfg.Model.Algorithm
	}

	runCfg := cfg.Training.Orchestrator()
	if *testFraction > 0 {
		runCfg.TestFraction = *testFraction
	}
	if *seed >= 0 {
		runCfg.RandomSeed = seed
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	ds, report, err := pipeline.NewDataIngester(cfg.Training.CSV, cfg.Schema, logger).Load(*dataPath)
	if err != nil {
		log.Fatalf("failed to load training data: %v", err)
	}
	log.Printf("rows=%d passed=%d rejected=%d", report.TotalProcessed, report.Passed, report.Rejected)

	algo, err := ml.NewAlgorithm(*algorithm, cfg.Model.Params)
	if err != nil {
		log.Fatalf("invalid algorithm: %v", err)
	}
	result, err := training.NewOrchestrator(algo, logger).Run(context.Background(), ds, runCfg)
	if err != nil {
		log.Fatalf("failed to train model: %v", err)
	}

	printMetrics(result)

	if err := ml.SaveArtifact(*outPath, result.Model); err != nil {
		log.Fatalf("failed to save model: %v", err)
	}
	fmt.Printf("model %s saved to %s\n", result.Model.Version(), *outPath)
}

func printMetrics(result *training.Result) {
	names := make([]string, 0, len(result.Metrics))
	for name := range result.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Printf("train=%d test=%d\n", result.TrainSize, result.TestSize)
	for _, name := range names {
		fmt.Printf("%-6s %.4f\n", name, result.Metrics[name])
	}
}
