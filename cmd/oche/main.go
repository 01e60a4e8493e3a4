package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"

	"github.com/oche-scoring/oche/app/modules/match"
	matchservice "github.com/oche-scoring/oche/app/modules/match/application"
	matchengine "github.com/oche-scoring/oche/app/modules/match/domain/engine"
	matchtypes "github.com/oche-scoring/oche/app/modules/match/domain/types"
	matchdb "github.com/oche-scoring/oche/app/modules/match/infrastructure/repositories"
	"github.com/oche-scoring/oche/config"
	"github.com/oche-scoring/oche/eventbus"
	"github.com/oche-scoring/oche/observability"
)

func main() {
	app := &cli.App{
		Name:  "oche",
		Usage: "X01 darts scoring",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "config.yaml", Usage: "path to the configuration file"},
		},
		Commands: []*cli.Command{
			newInitCommand(),
			newCreateCommand(),
			newScoreCommand(),
			newSpectateCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	repo    *matchdb.MatchDBImpl
	bus     eventbus.Bus
}

func setup(c *cli.Context) (*env, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel)

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	if addr := cfg.Observability.MetricsAddress; addr != "" {
		go func() {
			if err := observability.ServeMetrics(addr, reg, logger); err != nil {
				logger.Error("metrics server stopped", slog.Any("error", err))
			}
		}()
	}

	db, err := matchdb.Connect(cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	var bus eventbus.Bus
	wmLogger := watermill.NewSlogLogger(logger)
	if cfg.NATS.URL != "" {
		bus, err = eventbus.NewNATSBus(cfg.NATS.URL, wmLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
	} else {
		bus = eventbus.NewChannelBus(wmLogger)
	}

	return &env{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		repo:    &matchdb.MatchDBImpl{DB: db},
		bus:     bus,
	}, nil
}

func newInitCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "create the database schema",
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.bus.Close()
			return matchdb.EnsureSchema(c.Context, e.repo.DB)
		},
	}
}

func newCreateCommand() *cli.Command {
	return &cli.Command{
		Name:      "create",
		Usage:     "create a match and print its id",
		ArgsUsage: "PLAYER [PLAYER...]",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "start", Value: 501, Usage: "starting score (201, 301 or 501)"},
			&cli.StringFlag{Name: "finish", Value: "double_out", Usage: "finish rule: single_out or double_out"},
			&cli.IntFlag{Name: "legs", Value: 1, Usage: "legs needed to win the match"},
			&cli.BoolFlag{Name: "fair-ending", Usage: "let every player finish the round, tiebreak on ties"},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.bus.Close()

			players := make([]matchtypes.PlayerID, 0, c.NArg())
			for _, arg := range c.Args().Slice() {
				players = append(players, matchtypes.PlayerID(arg))
			}
			m, _, err := matchservice.CreateMatch(c.Context, e.repo, e.bus, e.logger, matchservice.MatchParams{
				Players:    players,
				StartScore: c.Int("start"),
				FinishRule: matchtypes.FinishRule(c.String("finish")),
				LegsToWin:  c.Int("legs"),
				FairEnding: c.Bool("fair-ending"),
			})
			if err != nil {
				return err
			}
			fmt.Println(m.ID)
			return nil
		},
	}
}

func newScoreCommand() *cli.Command {
	return &cli.Command{
		Name:      "score",
		Usage:     "keep score for a match, reading segments from stdin",
		ArgsUsage: "MATCH_ID",
		Action: func(c *cli.Context) error {
			return runView(c, false)
		},
	}
}

func newSpectateCommand() *cli.Command {
	return &cli.Command{
		Name:      "spectate",
		Usage:     "follow a match without scoring",
		ArgsUsage: "MATCH_ID",
		Action: func(c *cli.Context) error {
			return runView(c, true)
		},
	}
}

func runView(c *cli.Context, spectator bool) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one MATCH_ID argument")
	}
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.bus.Close()

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	matchID := matchtypes.MatchID(c.Args().First())
	mod, err := match.NewModule(ctx, e.cfg, matchID, spectator,
		e.repo, e.bus, e.logger, e.metrics, otel.Tracer("oche"))
	if err != nil {
		return fmt.Errorf("failed to open match view: %w", err)
	}
	defer mod.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go mod.Run(ctx, &wg)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	if spectator {
		<-interrupt
		cancel()
		wg.Wait()
		return nil
	}

	go func() {
		<-interrupt
		cancel()
	}()
	err = scoreLoop(ctx, mod.Scorekeeper)
	cancel()
	wg.Wait()
	return err
}

// scoreLoop reads one segment label per line (T20, D16, S5, SB, DB, Miss)
// and prints the scoreboard after each dart.
func scoreLoop(ctx context.Context, keeper *matchservice.Scorekeeper) error {
	printBoard(keeper.Watcher().State().Scoreboard())

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "quit") {
			return keeper.EndEarly(ctx)
		}
		board, err := keeper.ScoreDart(ctx, line)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		printBoard(board)
		if board.MatchWinnerID != nil {
			return nil
		}
	}
	return scanner.Err()
}

func printBoard(board matchengine.Scoreboard) {
	for _, st := range board.Standings {
		marker := "  "
		if board.CurrentPlayer != nil && *board.CurrentPlayer == st.PlayerID {
			marker = "> "
		}
		fmt.Printf("%s%-20s %4d  (legs %d, darts %d)\n",
			marker, st.PlayerID, st.Remaining, st.LegsWon, st.DartsInHand)
	}
	if board.Banner != "" {
		fmt.Println(board.Banner)
	}
	if board.MatchWinnerID != nil {
		fmt.Printf("%s wins the match\n", *board.MatchWinnerID)
	}
}
