package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/splitgame/arena/internal/config"
	"github.com/splitgame/arena/internal/driver"
	"github.com/splitgame/arena/internal/oracle"
	"github.com/splitgame/arena/internal/repository"
	"github.com/splitgame/arena/internal/repository/postgres"
	"github.com/splitgame/arena/internal/tournament"
)

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	var (
		runID       string
		tournaments int
		gamesPer    int
		rosterSize  int
		balance     int
		workers     int
		dbURL       string
		offline     bool
		dryRun      bool
		jsonOut     bool
	)

	flag.StringVar(&runID, "run", "local", "Run ID (snapshots with the same ID resume)")
	flag.IntVar(&tournaments, "t", 1, "Number of tournaments (evolution between)")
	flag.IntVar(&gamesPer, "n", 5, "Games per tournament")
	flag.IntVar(&rosterSize, "roster", 6, "Roster size")
	flag.IntVar(&balance, "balance", 500, "Starting coin balance per strategy")
	flag.IntVar(&workers, "workers", 4, "Oracle fan-out per game")
	flag.StringVar(&dbURL, "db", "", "Database URL (or use DATABASE_URL env)")
	flag.BoolVar(&offline, "offline", false, "Skip the oracle; every seat auto-plays")
	flag.BoolVar(&dryRun, "dry-run", false, "Skip database writes")
	flag.BoolVar(&jsonOut, "json", false, "Output the report as JSON")

	flag.Parse()

	cfg := config.Load()
	if dbURL == "" {
		dbURL = cfg.DatabaseURL
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("Shutting down...")
		cancel()
	}()

	var strategies *postgres.StrategyRepo
	if !dryRun {
		db, err := postgres.Connect(dbURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Database connection failed")
		}
		defer db.Close()
		strategies = postgres.NewStrategyRepo(db)
	}

	var agents driver.AgentOracle = offlineOracle{}
	if !offline {
		client := oracle.NewClient(oracle.Options{
			URL:      cfg.OracleURL,
			APIKey:   cfg.OracleAPIKey,
			Model:    cfg.OracleModel,
			Timeout:  cfg.OracleTimeout,
			RPMLimit: cfg.OracleRPMLimit,
			TPMLimit: cfg.OracleTPMLimit,
		})
		agents = driver.NewLLMOracle(client)
	}

	ctrl := tournament.NewController(tournament.Config{
		RunID:           runID,
		Tournaments:     tournaments,
		GamesPer:        gamesPer,
		RosterSize:      rosterSize,
		StartingBalance: balance,
		Rules:           cfg.Rules(),
		Concurrency:     workers,
	}, agents, storeOrNil(strategies))

	report, err := ctrl.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Tournament run failed")
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(report)
		return
	}
	printSummary(report, dryRun)
}

// storeOrNil keeps a typed-nil *StrategyRepo from masquerading as a non-nil
// interface inside the controller.
func storeOrNil(r *postgres.StrategyRepo) repository.StrategyRepository {
	if r == nil {
		return nil
	}
	return r
}

// offlineOracle fails every ask so the driver auto-plays every seat. Useful
// for exercising the evolution loop without an LLM backend.
type offlineOracle struct{}

func (offlineOracle) Ask(ctx context.Context, playerID, prompt string, temperature float64) (string, error) {
	return "", errors.New("offline mode")
}

func (offlineOracle) ShouldDegrade() bool { return false }

func printSummary(report *tournament.Report, dryRun bool) {
	if report == nil {
		return
	}
	fmt.Printf("\nRun %s: %d games", report.RunID, len(report.Games))
	if dryRun {
		fmt.Printf(" (dry run, nothing persisted)")
	}
	fmt.Println()

	ranked := append([]string(nil), idsOf(report)...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return report.Balances[ranked[i]] > report.Balances[ranked[j]]
	})
	nameOf := make(map[string]string, len(report.Roster))
	genOf := make(map[string]int, len(report.Roster))
	for _, s := range report.Roster {
		nameOf[s.ID] = s.Name
		genOf[s.ID] = s.Generation
	}
	for _, id := range ranked {
		fmt.Printf("  %-24s gen %d  %5d coins  %d wins\n",
			nameOf[id], genOf[id], report.Balances[id], report.Wins[id])
	}
}

func idsOf(report *tournament.Report) []string {
	ids := make([]string, 0, len(report.Roster))
	for _, s := range report.Roster {
		ids = append(ids, s.ID)
	}
	return ids
}
