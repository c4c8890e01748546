// Package prediction implements the per-user next-action model: a
// variable-order Markov model over recent action sequences fused with
// an hour-of-day distribution, with exponential time decay and Laplace
// smoothing. Updates are driven by the interaction store's post-commit
// notifications; queries are pure functions of the current state and
// the caller-supplied clock.
package prediction

import (
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/predictlib/corelib/internal/core"
)

// Config holds the engine's tuning knobs. DecayLambda is per
// millisecond; see internal/config for the unit caveat on the default.
type Config struct {
	HistoryLength       int
	MaxPatternLength    int
	DecayLambda         float64
	SmoothingFactor     float64
	WeightSequence      float64
	WeightTime          float64
	MinActionsThreshold int
	MaxGlobalCount      int64
}

// Engine is the prediction engine (C4). All state is guarded by one
// RWMutex: Update takes the write lock for its whole (non-suspending)
// critical section, so Predict never observes a half-applied update.
type Engine struct {
	cfg      Config
	registry core.ComponentRegistry
	log      *slog.Logger

	mu sync.RWMutex

	history []core.InteractionRecord

	// transitions[L][pattern][action] counts how often pattern (the
	// comma-joined last L actions) was followed by action.
	transitions map[int]map[string]map[string]int64

	global      map[string]int64
	globalOrder []string // actions in first-seen order, for stable fallback

	// timePatterns[action][hour] counts occurrences per local hour.
	timePatterns map[string]map[int]int64

	totalObserved int64
}

// New creates an empty engine resolving predicted actions through reg.
func New(cfg Config, reg core.ComponentRegistry, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:          cfg,
		registry:     reg,
		log:          log,
		transitions:  make(map[int]map[string]map[string]int64),
		global:       make(map[string]int64),
		timePatterns: make(map[string]map[int]int64),
	}
}

// Update folds one committed interaction into the model. The transition
// counts are incremented against the history as it was BEFORE this
// record — the transition is from the prior window to the new action —
// and only then is the record appended and the history truncated.
func (e *Engine) Update(record core.InteractionRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()

	action := record.ActionType

	hour := hourOf(record.Timestamp)
	if e.timePatterns[action] == nil {
		e.timePatterns[action] = make(map[int]int64)
	}
	e.timePatterns[action][hour]++

	if _, seen := e.global[action]; !seen {
		e.globalOrder = append(e.globalOrder, action)
	}
	e.global[action]++
	e.totalObserved++

	maxL := e.cfg.MaxPatternLength
	if n := len(e.history); n < maxL {
		maxL = n
	}
	for l := 1; l <= maxL; l++ {
		pattern := e.patternLocked(l)
		if e.transitions[l] == nil {
			e.transitions[l] = make(map[string]map[string]int64)
		}
		if e.transitions[l][pattern] == nil {
			e.transitions[l][pattern] = make(map[string]int64)
		}
		e.transitions[l][pattern][action]++
	}

	e.history = append(e.history, record)
	if over := len(e.history) - e.cfg.HistoryLength; over > 0 {
		e.history = append(e.history[:0:0], e.history[over:]...)
	}
}

// patternLocked joins the last l action types of history with commas.
// Caller holds at least the read lock and guarantees l <= len(history).
func (e *Engine) patternLocked(l int) string {
	parts := make([]string, 0, l)
	for _, rec := range e.history[len(e.history)-l:] {
		parts = append(parts, rec.ActionType)
	}
	return strings.Join(parts, ",")
}

// Predict computes the most likely next action as of nowMs and resolves
// it to a component through the registry. It is a pure function of the
// engine state and nowMs: no randomness anywhere in the query path, so
// two calls with the same inputs return the same output. An engine with
// no evidence at all returns the empty prediction.
func (e *Engine) Predict(nowMs int64) core.Prediction {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.history) == 0 && len(e.global) == 0 {
		return core.Prediction{}
	}

	score := newScoreboard()

	pSeq := e.sequenceDistributionLocked(nowMs)
	for _, action := range pSeq.order {
		score.add(action, e.cfg.WeightSequence*pSeq.values[action])
	}

	pTime := e.timeDistributionLocked(nowMs)
	for _, action := range pTime.order {
		score.add(action, e.cfg.WeightTime*pTime.values[action])
	}

	best, ok := score.best()
	if !ok {
		best, ok = e.fallbackLocked()
		if !ok {
			return core.Prediction{}
		}
	}

	componentID, _ := e.registry.GetComponentByAction(best)
	return core.Prediction{Action: best, ComponentID: componentID}
}

// sequenceDistributionLocked blends transition evidence across every
// context length present in history: each matching row contributes its
// Laplace-smoothed next-action probabilities, damped by exponential
// decay on the age of the pattern window, and the blend is normalized
// to sum to 1.
func (e *Engine) sequenceDistributionLocked(nowMs int64) distribution {
	dist := newDistribution()

	maxL := e.cfg.MaxPatternLength
	if n := len(e.history); n < maxL {
		maxL = n
	}
	for l := 1; l <= maxL; l++ {
		rows := e.transitions[l]
		if rows == nil {
			continue
		}
		row := rows[e.patternLocked(l)]
		if len(row) == 0 {
			continue
		}

		var total int64
		for _, count := range row {
			total += count
		}

		alpha := e.cfg.SmoothingFactor
		deltaMs := float64(nowMs - e.history[len(e.history)-l].Timestamp)
		decay := math.Exp(-e.cfg.DecayLambda * deltaMs)

		for _, action := range sortedKeys(row) {
			smoothed := (float64(row[action]) + alpha) /
				(float64(total) + alpha*float64(len(row)))
			dist.add(action, smoothed*decay)
		}
	}

	dist.normalize()
	return dist
}

// timeDistributionLocked is the share of observations each action has
// at the current local hour. Empty when nothing was ever observed at
// this hour.
func (e *Engine) timeDistributionLocked(nowMs int64) distribution {
	dist := newDistribution()
	hour := hourOf(nowMs)

	var total int64
	for _, hours := range e.timePatterns {
		total += hours[hour]
	}
	if total == 0 {
		return dist
	}

	for _, action := range sortedKeys(e.timePatterns) {
		if count := e.timePatterns[action][hour]; count > 0 {
			dist.add(action, float64(count)/float64(total))
		}
	}
	return dist
}

// fallbackLocked is the most frequent action overall, first-seen order
// breaking ties.
func (e *Engine) fallbackLocked() (string, bool) {
	var best string
	var bestCount int64
	for _, action := range e.globalOrder {
		if count := e.global[action]; count > bestCount {
			best, bestCount = action, count
		}
	}
	return best, bestCount > 0
}

// MergeGlobalModel installs a server-aggregated model wholesale,
// replacing the local GlobalActionCounter and TimePatterns. The
// transition matrix is never seeded from the server. Counts are clamped
// to MaxGlobalCount per key so a hostile aggregator cannot swamp local
// evidence; hours outside [0,23] and non-positive counts are dropped.
func (e *Engine) MergeGlobalModel(model core.GlobalModel) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.global = make(map[string]int64, len(model.GlobalActionCounter))
	e.globalOrder = e.globalOrder[:0]
	e.totalObserved = 0
	for _, action := range sortedKeys(model.GlobalActionCounter) {
		count := model.GlobalActionCounter[action]
		if count <= 0 {
			continue
		}
		if count > e.cfg.MaxGlobalCount {
			count = e.cfg.MaxGlobalCount
		}
		e.global[action] = count
		e.globalOrder = append(e.globalOrder, action)
		e.totalObserved += count
	}

	e.timePatterns = make(map[string]map[int]int64, len(model.TimePatterns))
	for action, hours := range model.TimePatterns {
		clean := make(map[int]int64)
		for hour, count := range hours {
			if hour < 0 || hour > 23 || count <= 0 {
				continue
			}
			if count > e.cfg.MaxGlobalCount {
				count = e.cfg.MaxGlobalCount
			}
			clean[hour] = count
		}
		if len(clean) > 0 {
			e.timePatterns[action] = clean
		}
	}

	e.log.Info("merged global model",
		"actions", len(e.global), "time_actions", len(e.timePatterns))
}

// HistoryLen reports the current bounded history length.
func (e *Engine) HistoryLen() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.history)
}

// HasTransitions reports whether any transition has been observed.
func (e *Engine) HasTransitions() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, rows := range e.transitions {
		if len(rows) > 0 {
			return true
		}
	}
	return false
}

// RecentActionCounts snapshots how often each action appears in the
// current bounded history. The returned map is the caller's to keep —
// it shares nothing with engine state, so the daily upload can encrypt
// it at leisure without racing later updates.
func (e *Engine) RecentActionCounts() map[string]int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	counts := make(map[string]int64, len(e.global))
	for _, rec := range e.history {
		counts[rec.ActionType]++
	}
	return counts
}

// TotalObserved reports the monotonic count of interactions folded into
// the model this session (or the clamped global total after a merge).
func (e *Engine) TotalObserved() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.totalObserved
}

func hourOf(ms int64) int {
	return time.UnixMilli(ms).Hour()
}

// distribution is an ordered action->probability map. Iterating over
// order visits actions in first-insertion order, which (with sorted
// per-source key iteration above) makes every downstream consumer
// deterministic.
type distribution struct {
	values map[string]float64
	order  []string
}

func newDistribution() distribution {
	return distribution{values: make(map[string]float64)}
}

func (d *distribution) add(action string, p float64) {
	if _, seen := d.values[action]; !seen {
		d.order = append(d.order, action)
	}
	d.values[action] += p
}

func (d *distribution) normalize() {
	var sum float64
	for _, p := range d.values {
		sum += p
	}
	if sum == 0 {
		return
	}
	for action := range d.values {
		d.values[action] /= sum
	}
}

// scoreboard accumulates combined scores and answers argmax with a
// stable tiebreak: the first action inserted wins any tie closer than
// the epsilon. Deliberately not entropy-based — candidate rows in a
// tie carry identical entropy, so an entropy tiebreak decides nothing.
type scoreboard struct {
	dist distribution
}

const tieEpsilon = 1e-6

func newScoreboard() *scoreboard {
	return &scoreboard{dist: newDistribution()}
}

func (s *scoreboard) add(action string, score float64) {
	s.dist.add(action, score)
}

func (s *scoreboard) best() (string, bool) {
	if len(s.dist.order) == 0 {
		return "", false
	}
	best := s.dist.order[0]
	for _, action := range s.dist.order[1:] {
		if s.dist.values[action] > s.dist.values[best]+tieEpsilon {
			best = action
		}
	}
	return best, true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ core.PredictionEngine = (*Engine)(nil)
