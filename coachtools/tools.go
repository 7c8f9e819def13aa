package coachtools

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rlcoach/coachd/ledger"
	"github.com/rlcoach/coachd/tool"
)

// NoteStore is the subset of the ledger surface the note-saving tool needs.
type NoteStore interface {
	CreateNote(ctx context.Context, userID string, note ledger.Note) (ledger.Note, error)
}

// playlists maps the model-facing mode names onto stored playlist enums.
var playlists = map[string]string{
	"duel":     "DUEL",
	"doubles":  "DOUBLES",
	"standard": "STANDARD",
}

func playlistFor(mode string) string {
	if p, ok := playlists[mode]; ok {
		return p
	}
	return ""
}

// Tools builds the five coaching data tools over the given stores. Register
// the result on the orchestrator's registry.
func Tools(games GameStore, notes NoteStore) []tool.Tool {
	return []tool.Tool{
		recentGamesTool(games),
		statsByModeTool(games),
		gameDetailsTool(games),
		rankBenchmarksTool(),
		saveNoteTool(notes),
	}
}

// RegisterAll registers every coaching tool on the registry.
func RegisterAll(reg *tool.Registry, games GameStore, notes NoteStore) {
	for _, t := range Tools(games, notes) {
		reg.Register(t)
	}
}

func requireUser(ctx context.Context, name string) (string, error) {
	userID, ok := UserIDFrom(ctx)
	if !ok {
		return "", tool.NewToolError(name, "no user bound to call context", "EXECUTION_ERROR")
	}
	return userID, nil
}

func recentGamesTool(games GameStore) tool.Tool {
	const name = "get_recent_games"
	return tool.NewFunctionTool(
		name,
		"Get the player's recent games with stats like goals, assists, saves, shots, and more.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"limit": map[string]any{
					"type":        "integer",
					"description": "Number of recent games to fetch (default: 10, max: 50)",
				},
				"playlist": map[string]any{
					"type":        "string",
					"description": "Filter by playlist (optional): 'duel', 'doubles', 'standard'",
				},
			},
			"required": []string{},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			userID, err := requireUser(ctx, name)
			if err != nil {
				return nil, err
			}

			limit := intArg(args, "limit", 10)
			if limit > 50 {
				limit = 50
			}
			playlist := playlistFor(stringArg(args, "playlist", ""))

			list, err := games.RecentGames(ctx, userID, playlist, limit)
			if err != nil {
				return nil, err
			}
			if len(list) == 0 {
				return map[string]any{
					"games":   []Game{},
					"message": "No recent games found. Upload some replays to get started!",
				}, nil
			}
			return map[string]any{"games": list, "total": len(list)}, nil
		},
	)
}

func statsByModeTool(games GameStore) tool.Tool {
	const name = "get_stats_by_mode"
	return tool.NewFunctionTool(
		name,
		"Get aggregated statistics for a specific game mode/playlist.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"mode": map[string]any{
					"type":        "string",
					"description": "Game mode: 'duel' (1v1), 'doubles' (2v2), 'standard' (3v3), or 'all'",
					"enum":        []string{"duel", "doubles", "standard", "all"},
				},
				"days": map[string]any{
					"type":        "integer",
					"description": "Number of days to analyze (default: 30)",
				},
			},
			"required": []string{"mode"},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			userID, err := requireUser(ctx, name)
			if err != nil {
				return nil, err
			}

			mode := stringArg(args, "mode", "all")
			days := intArg(args, "days", 30)
			cutoff := time.Now().UTC().AddDate(0, 0, -days)

			playlist := ""
			if mode != "all" {
				playlist = playlistFor(mode)
			}

			list, err := games.GamesSince(ctx, userID, playlist, cutoff)
			if err != nil {
				return nil, err
			}
			if len(list) == 0 {
				return map[string]any{
					"mode":        mode,
					"period_days": days,
					"games":       0,
					"message":     fmt.Sprintf("No games found in %s mode over the last %d days.", mode, days),
				}, nil
			}

			var goals, assists, saves, shots, wins, losses int
			for _, g := range list {
				goals += g.Stats.Goals
				assists += g.Stats.Assists
				saves += g.Stats.Saves
				shots += g.Stats.Shots
				switch g.Result {
				case "WIN":
					wins++
				case "LOSS":
					losses++
				}
			}

			total := len(list)
			perGame := func(n int) float64 {
				return math.Round(float64(n)/float64(total)*100) / 100
			}
			return map[string]any{
				"mode":        mode,
				"period_days": days,
				"games":       total,
				"win_rate":    math.Round(float64(wins)/float64(total)*1000) / 10,
				"per_game_averages": map[string]any{
					"goals":   perGame(goals),
					"assists": perGame(assists),
					"saves":   perGame(saves),
					"shots":   perGame(shots),
				},
				"totals": map[string]any{
					"goals":   goals,
					"assists": assists,
					"saves":   saves,
					"shots":   shots,
					"wins":    wins,
					"losses":  losses,
				},
			}, nil
		},
	)
}

func gameDetailsTool(games GameStore) tool.Tool {
	const name = "get_game_details"
	return tool.NewFunctionTool(
		name,
		"Get detailed analysis of a specific game/replay including stats and result.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"game_id": map[string]any{
					"type":        "string",
					"description": "The unique identifier of the game/replay to analyze",
				},
			},
			"required": []string{"game_id"},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			userID, err := requireUser(ctx, name)
			if err != nil {
				return nil, err
			}

			gameID := stringArg(args, "game_id", "")
			if gameID == "" {
				return map[string]any{"error": "game_id is required"}, nil
			}

			g, ok, err := games.GameByID(ctx, userID, gameID)
			if err != nil {
				return nil, err
			}
			if !ok {
				return map[string]any{"error": fmt.Sprintf("Game %s not found", gameID)}, nil
			}
			return g, nil
		},
	)
}

func rankBenchmarksTool() tool.Tool {
	const name = "get_rank_benchmarks"
	return tool.NewFunctionTool(
		name,
		"Get average stats for a rank to compare against the player's performance.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"rank": map[string]any{
					"type":        "string",
					"description": "Rank to compare against (e.g., 'Diamond II', 'Champion I')",
				},
				"mode": map[string]any{
					"type":        "string",
					"description": "Game mode for benchmarks",
					"enum":        []string{"duel", "doubles", "standard"},
				},
			},
			"required": []string{"rank"},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			rank := stringArg(args, "rank", "Diamond I")
			mode := stringArg(args, "mode", "standard")

			b := BenchmarkForTier(ResolveRankTier(rank))
			return map[string]any{
				"rank":      b.RankName,
				"rank_tier": b.RankTier,
				"mode":      mode,
				"benchmarks": map[string]any{
					"goals_per_game":      b.GoalsPerGame,
					"assists_per_game":    b.AssistsPerGame,
					"saves_per_game":      b.SavesPerGame,
					"shots_per_game":      b.ShotsPerGame,
					"shooting_pct":        b.ShootingPct,
					"boost_per_minute":    b.BoostPerMinute,
					"supersonic_pct":      b.SupersonicPct,
					"aerials_per_game":    b.AerialsPerGame,
					"wavedashes_per_game": b.WavedashesPerGame,
				},
				"source": "community aggregate data",
			}, nil
		},
	)
}

func saveNoteTool(notes NoteStore) tool.Tool {
	const name = "save_coaching_note"
	allowed := map[string]bool{"strength": true, "weakness": true, "goal": true, "observation": true}
	return tool.NewFunctionTool(
		name,
		"Save a coaching observation or insight for future reference. Use this to note patterns, strengths, weaknesses, or goals.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"content": map[string]any{
					"type":        "string",
					"description": "The coaching note to save",
				},
				"category": map[string]any{
					"type":        "string",
					"description": "Category of the note",
					"enum":        []string{"strength", "weakness", "goal", "observation"},
				},
			},
			"required": []string{"content", "category"},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			userID, err := requireUser(ctx, name)
			if err != nil {
				return nil, err
			}

			content := stringArg(args, "content", "")
			category := stringArg(args, "category", "observation")

			if content == "" {
				return map[string]any{"error": "Note content is required"}, nil
			}
			if !allowed[category] {
				return map[string]any{"error": "Invalid category. Allowed: strength, weakness, goal, observation"}, nil
			}

			safe := SanitizeUserContent(content, MaxNoteLength)
			if safe == "" {
				return map[string]any{"error": "Note content is empty after sanitization"}, nil
			}
			if ContainsRedaction(safe) {
				return map[string]any{"error": "Note content contains disallowed patterns"}, nil
			}

			note, err := notes.CreateNote(ctx, userID, ledger.Note{
				Content:     fmt.Sprintf("[%s] %s", category, safe),
				Category:    category,
				AIGenerated: true,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"success": true,
				"note_id": note.ID,
				"message": "Coaching note saved successfully.",
			}, nil
		},
	)
}

// intArg reads a numeric argument, tolerating the float64 shape JSON decoding
// produces.
func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func stringArg(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return def
}
