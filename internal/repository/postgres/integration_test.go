//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/splitgame/arena/internal/model"
	"github.com/splitgame/arena/internal/testutil"
)

var testDB *sql.DB

func TestMain(m *testing.M) {
	m.Run()
}

func setup(t *testing.T) {
	t.Helper()
	if testDB == nil {
		testDB = testutil.SetupDB(t)
	}
	testutil.CleanupDB(t, testDB)
}

func createTestGame(t *testing.T, repo *GameRepo) *model.Game {
	t.Helper()
	g, err := repo.Create(context.Background(), "table one", "creator-1", 100, 6, 10)
	if err != nil {
		t.Fatalf("create test game: %v", err)
	}
	return g
}

func TestGameCreateAndFind(t *testing.T) {
	setup(t)
	repo := NewGameRepo(testDB)

	g := createTestGame(t, repo)
	if g.ID == "" {
		t.Fatal("expected non-empty ID")
	}
	if g.Status != "waiting" {
		t.Fatalf("expected waiting status, got %s", g.Status)
	}
	if g.EntryFee != 100 || g.MaxPlayers != 6 {
		t.Fatalf("settings lost: fee=%d max=%d", g.EntryFee, g.MaxPlayers)
	}

	found, err := repo.FindByID(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found == nil || found.ID != g.ID {
		t.Fatal("game not found by ID")
	}
}

func TestGameFindMissing(t *testing.T) {
	setup(t)
	repo := NewGameRepo(testDB)

	found, err := repo.FindByID(context.Background(), "00000000-0000-0000-0000-000000000000")
	if err != nil {
		t.Fatalf("find missing: %v", err)
	}
	if found != nil {
		t.Fatal("expected nil for missing game")
	}
}

func TestGameJoinAndCount(t *testing.T) {
	setup(t)
	repo := NewGameRepo(testDB)
	g := createTestGame(t, repo)
	ctx := context.Background()

	for _, id := range []string{"p1", "p2"} {
		err := repo.JoinGame(ctx, g.ID, model.GamePlayer{
			PlayerID: id, Name: "Player " + id, Wallet: "0x" + id, WalletType: "eth",
		})
		if err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}
	// Duplicate join is a no-op.
	if err := repo.JoinGame(ctx, g.ID, model.GamePlayer{PlayerID: "p1"}); err != nil {
		t.Fatalf("duplicate join: %v", err)
	}

	n, err := repo.PlayerCount(ctx, g.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 players, got %d", n)
	}
}

func TestGameLifecycle(t *testing.T) {
	setup(t)
	repo := NewGameRepo(testDB)
	g := createTestGame(t, repo)
	ctx := context.Background()

	if err := repo.SetStarted(ctx, g.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	active, err := repo.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].ID != g.ID {
		t.Fatalf("active list wrong: %+v", active)
	}

	if err := repo.SetFinished(ctx, g.ID, "p1"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	found, _ := repo.FindByID(ctx, g.ID)
	if found.Status != "finished" || found.Winner != "p1" {
		t.Fatalf("finish not recorded: %+v", found)
	}
}

func TestGamePayout(t *testing.T) {
	setup(t)
	repo := NewGameRepo(testDB)
	g := createTestGame(t, repo)
	ctx := context.Background()

	repo.JoinGame(ctx, g.ID, model.GamePlayer{PlayerID: "p1"})
	if err := repo.SetPayout(ctx, g.ID, "p1", 183); err != nil {
		t.Fatalf("payout: %v", err)
	}
	players, err := repo.ListPlayers(ctx, g.ID)
	if err != nil {
		t.Fatalf("list players: %v", err)
	}
	if len(players) != 1 || players[0].Payout != 183 {
		t.Fatalf("payout not recorded: %+v", players)
	}
}

func TestRoundArchive(t *testing.T) {
	setup(t)
	games := NewGameRepo(testDB)
	rounds := NewRoundRepo(testDB)
	g := createTestGame(t, games)
	ctx := context.Background()

	gr, err := rounds.CreateRound(ctx, g.ID, 1, json.RawMessage(`{"phase":"strategy"}`))
	if err != nil {
		t.Fatalf("create round: %v", err)
	}
	if err := rounds.ResolveRound(ctx, gr.ID, json.RawMessage(`{"eliminated":["p3"]}`)); err != nil {
		t.Fatalf("resolve round: %v", err)
	}

	list, err := rounds.ListRounds(ctx, g.ID)
	if err != nil {
		t.Fatalf("list rounds: %v", err)
	}
	if len(list) != 1 || list[0].ResolvedAt == nil {
		t.Fatalf("round archive wrong: %+v", list)
	}
}

func TestMessageArchive(t *testing.T) {
	setup(t)
	games := NewGameRepo(testDB)
	rounds := NewRoundRepo(testDB)
	g := createTestGame(t, games)
	ctx := context.Background()

	_, err := rounds.SaveMessage(ctx, model.Message{
		GameID: g.ID, SenderID: "p1", Round: 1, SubRound: 2, Content: "I back an even split",
	})
	if err != nil {
		t.Fatalf("save message: %v", err)
	}
	msgs, err := rounds.ListMessages(ctx, g.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].SubRound != 2 {
		t.Fatalf("message archive wrong: %+v", msgs)
	}
}

func TestStrategyPoolAndSnapshots(t *testing.T) {
	setup(t)
	repo := NewStrategyRepo(testDB)
	ctx := context.Background()

	s, err := repo.Create(ctx, model.Strategy{Name: "diplomat", Text: "build coalitions early"})
	if err != nil {
		t.Fatalf("create strategy: %v", err)
	}

	if err := repo.RecordResult(ctx, s.ID, true); err != nil {
		t.Fatalf("record result: %v", err)
	}
	got, _ := repo.FindByID(ctx, s.ID)
	if got.Wins != 1 || got.Games != 1 {
		t.Fatalf("counters wrong: %+v", got)
	}

	if err := repo.Retire(ctx, s.ID); err != nil {
		t.Fatalf("retire: %v", err)
	}
	active, _ := repo.ListActive(ctx)
	if len(active) != 0 {
		t.Fatal("retired strategy still listed")
	}

	snap := model.TournamentSnapshot{
		RunID: "run-1", GameIndex: 3,
		Roster:   json.RawMessage(`["diplomat"]`),
		Balances: json.RawMessage(`{"diplomat":700}`),
	}
	if err := repo.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	latest, err := repo.LatestSnapshot(ctx, "run-1")
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if latest == nil || latest.GameIndex != 3 {
		t.Fatalf("snapshot wrong: %+v", latest)
	}
}
