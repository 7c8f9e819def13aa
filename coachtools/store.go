package coachtools

import (
	"context"
	"sort"
	"sync"
	"time"
)

// PlayerStats are the per-game stats of the player the coaching is about.
type PlayerStats struct {
	Goals           int     `json:"goals"`
	Assists         int     `json:"assists"`
	Saves           int     `json:"saves"`
	Shots           int     `json:"shots"`
	Score           int     `json:"score"`
	BCPM            float64 `json:"bcpm,omitempty"`
	AvgBoost        float64 `json:"avg_boost,omitempty"`
	AvgSpeedKPH     float64 `json:"avg_speed_kph,omitempty"`
	TimeSupersonicS float64 `json:"time_supersonic_s,omitempty"`
	DemosInflicted  int     `json:"demos_inflicted"`
	DemosTaken      int     `json:"demos_taken"`
}

// Game is one analyzed replay owned by a user.
type Game struct {
	ID              string      `json:"id"`
	PlayedAt        time.Time   `json:"date"`
	Playlist        string      `json:"playlist"`
	Result          string      `json:"result"` // "WIN" or "LOSS"
	Score           string      `json:"score"`  // "3-2"
	Map             string      `json:"map"`
	DurationSeconds int         `json:"duration_seconds,omitempty"`
	Stats           PlayerStats `json:"stats"`
}

// GameStore is the replay-data surface the coaching tools query. Filtering by
// ownership is the store's responsibility; a game id from another user must
// behave as not found.
type GameStore interface {
	// RecentGames returns up to limit games for the user, newest first,
	// optionally filtered to a playlist ("DUEL", "DOUBLES", "STANDARD").
	RecentGames(ctx context.Context, userID, playlist string, limit int) ([]Game, error)
	// GamesSince returns the user's games played on or after cutoff,
	// optionally filtered to a playlist.
	GamesSince(ctx context.Context, userID, playlist string, cutoff time.Time) ([]Game, error)
	// GameByID returns one game, or ok=false when it does not exist or is
	// owned by someone else.
	GameByID(ctx context.Context, userID, gameID string) (Game, bool, error)
}

// InMemoryGameStore is a GameStore for development and tests.
type InMemoryGameStore struct {
	mu    sync.RWMutex
	games map[string][]Game // userID -> games
}

// NewInMemoryGameStore creates an empty store.
func NewInMemoryGameStore() *InMemoryGameStore {
	return &InMemoryGameStore{games: make(map[string][]Game)}
}

// AddGame records a game for a user.
func (s *InMemoryGameStore) AddGame(userID string, g Game) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.games[userID] = append(s.games[userID], g)
}

// RecentGames implements GameStore.
func (s *InMemoryGameStore) RecentGames(ctx context.Context, userID, playlist string, limit int) ([]Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := filterGames(s.games[userID], playlist, time.Time{})
	sort.Slice(out, func(i, j int) bool { return out[i].PlayedAt.After(out[j].PlayedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// GamesSince implements GameStore.
func (s *InMemoryGameStore) GamesSince(ctx context.Context, userID, playlist string, cutoff time.Time) ([]Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := filterGames(s.games[userID], playlist, cutoff)
	sort.Slice(out, func(i, j int) bool { return out[i].PlayedAt.After(out[j].PlayedAt) })
	return out, nil
}

// GameByID implements GameStore.
func (s *InMemoryGameStore) GameByID(ctx context.Context, userID, gameID string) (Game, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, g := range s.games[userID] {
		if g.ID == gameID {
			return g, true, nil
		}
	}
	return Game{}, false, nil
}

func filterGames(games []Game, playlist string, cutoff time.Time) []Game {
	out := make([]Game, 0, len(games))
	for _, g := range games {
		if playlist != "" && g.Playlist != playlist {
			continue
		}
		if !cutoff.IsZero() && g.PlayedAt.Before(cutoff) {
			continue
		}
		out = append(out, g)
	}
	return out
}
