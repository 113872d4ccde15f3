package fetcher

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
)

//go:embed data/userAgents.json
var userAgentsJSON []byte

// Used when no user agents could be loaded.
const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36"

type UserAgentData struct {
	UserAgent string  `json:"ua"`
	Percent   float64 `json:"pct"`
}

// Weighted pool of browser user agents.
type UserAgents struct {
	agents []UserAgentData
	total  float64
	rng    *rand.Rand
	mu     sync.Mutex
}

// Loads the user agents bundled with the binary.
func LoadUserAgents() (*UserAgents, error) {
	var agents []UserAgentData
	if err := json.Unmarshal(userAgentsJSON, &agents); err != nil {
		return nil, fmt.Errorf("error decoding user agents JSON: %w", err)
	}
	return NewUserAgents(agents, rand.Int63()), nil
}

// Creates a pool from the given agents. Entries without a user agent are dropped.
func NewUserAgents(agents []UserAgentData, seed int64) *UserAgents {
	pool := &UserAgents{rng: rand.New(rand.NewSource(seed))}
	for _, agent := range agents {
		if agent.UserAgent == "" {
			continue
		}
		if agent.Percent <= 0 {
			agent.Percent = 1
		}
		pool.agents = append(pool.agents, agent)
		pool.total += agent.Percent
	}
	return pool
}

// Picks a user agent, weighted by its market share.
func (u *UserAgents) Random() string {
	if u == nil || len(u.agents) == 0 {
		return defaultUserAgent
	}

	u.mu.Lock()
	pick := u.rng.Float64() * u.total
	u.mu.Unlock()

	for _, agent := range u.agents {
		pick -= agent.Percent
		if pick < 0 {
			return agent.UserAgent
		}
	}
	return u.agents[len(u.agents)-1].UserAgent
}

func (u *UserAgents) Len() int {
	if u == nil {
		return 0
	}
	return len(u.agents)
}
