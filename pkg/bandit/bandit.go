// Package bandit implements the adaptive strategy selector: a Thompson
// sampling bandit over (temperature, candidate_count) arms with Beta
// posteriors persisted across restarts.
package bandit

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Arm is one generation strategy with its Beta(alpha, beta) posterior.
type Arm struct {
	ArmID            string  `json:"arm_id"`
	Temperature      float64 `json:"temperature"`
	CandidateCount   int     `json:"candidate_count"`
	Alpha            float64 `json:"alpha"`
	Beta             float64 `json:"beta"`
	Trials           int64   `json:"trials"`
	CumulativeReward float64 `json:"cumulative_reward"`
}

// Mean returns the posterior mean alpha/(alpha+beta).
func (a *Arm) Mean() float64 { return a.Alpha / (a.Alpha + a.Beta) }

// DefaultArms is the fixed startup arm set.
func DefaultArms() []Arm {
	specs := []struct {
		temp float64
		k    int
	}{
		{0.1, 2}, {0.2, 3}, {0.4, 3}, {0.5, 4}, {0.7, 4}, {0.8, 5},
	}
	arms := make([]Arm, 0, len(specs))
	for _, s := range specs {
		arms = append(arms, Arm{
			ArmID:          fmt.Sprintf("t%.1f_k%d", s.temp, s.k),
			Temperature:    s.temp,
			CandidateCount: s.k,
			Alpha:          1,
			Beta:           1,
		})
	}
	return arms
}

// Selector picks arms by Thompson sampling and persists posteriors through a
// Store. Selection and update are thread-safe; concurrent selections may
// observe stale posteriors, which Thompson sampling tolerates.
type Selector struct {
	mu    sync.Mutex
	arms  map[string]*Arm
	order []string
	rng   *rand.Rand
	store Store
}

// NewSelector builds a selector from the store's snapshot, falling back to
// the default priors when the store is empty.
func NewSelector(store Store) (*Selector, error) {
	s := &Selector{
		arms:  make(map[string]*Arm),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		store: store,
	}
	var loaded []Arm
	if store != nil {
		var err error
		loaded, err = store.Load()
		if err != nil {
			return nil, fmt.Errorf("load arm posteriors: %w", err)
		}
	}
	if len(loaded) == 0 {
		loaded = DefaultArms()
	}
	for i := range loaded {
		arm := loaded[i]
		if arm.Alpha < 1 {
			arm.Alpha = 1
		}
		if arm.Beta < 1 {
			arm.Beta = 1
		}
		s.arms[arm.ArmID] = &arm
		s.order = append(s.order, arm.ArmID)
	}
	return s, nil
}

// WithRand replaces the RNG for deterministic tests.
func (s *Selector) WithRand(rng *rand.Rand) *Selector {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng = rng
	return s
}

// Select draws one sample from each arm's posterior and returns the argmax.
func (s *Selector) Select() Arm {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Arm
	bestDraw := math.Inf(-1)
	for _, id := range s.order {
		arm := s.arms[id]
		draw := sampleBeta(s.rng, arm.Alpha, arm.Beta)
		if draw > bestDraw {
			bestDraw = draw
			best = arm
		}
	}
	return *best
}

// SelectUCB is the UCB1 alternative: mean + c*sqrt(2*ln(N+1)/n_a), with
// unexplored arms ranked first.
func (s *Selector) SelectUCB(c float64) Arm {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, arm := range s.arms {
		total += arm.Trials
	}
	var best *Arm
	bestScore := math.Inf(-1)
	for _, id := range s.order {
		arm := s.arms[id]
		if arm.Trials == 0 {
			return *arm
		}
		score := arm.Mean() + c*math.Sqrt(2*math.Log(float64(total)+1)/float64(arm.Trials))
		if score > bestScore {
			bestScore = score
			best = arm
		}
	}
	return *best
}

// Update records reward r in [0,1] (clamped) for the arm, then persists the
// snapshot outside the lock.
func (s *Selector) Update(armID string, reward float64) error {
	if reward < 0 {
		reward = 0
	}
	if reward > 1 {
		reward = 1
	}

	s.mu.Lock()
	arm, ok := s.arms[armID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown arm %q", armID)
	}
	arm.Alpha += reward
	arm.Beta += 1 - reward
	arm.Trials++
	arm.CumulativeReward += reward
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Save(snapshot); err != nil {
			return fmt.Errorf("persist arm posteriors: %w", err)
		}
	}
	return nil
}

// Arms returns a snapshot of all arms.
func (s *Selector) Arms() []Arm {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Selector) snapshotLocked() []Arm {
	out := make([]Arm, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.arms[id])
	}
	return out
}

// sampleBeta draws from Beta(a, b) via two Gamma draws.
func sampleBeta(rng *rand.Rand, a, b float64) float64 {
	x := sampleGamma(rng, a)
	y := sampleGamma(rng, b)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// sampleGamma draws from Gamma(shape, 1) with the Marsaglia-Tsang method.
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		// Boost: Gamma(a) = Gamma(a+1) * U^(1/a)
		u := rng.Float64()
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
