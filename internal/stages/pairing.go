package stages

import (
	"math/rand"
	"sort"

	"github.com/paperpilot/paperpilot/internal/models"
)

// matchPair indexes two papers in the working candidate slice
type matchPair struct {
	a, b int
}

// pairingStrategy selects match pairs from the candidates for one batch
type pairingStrategy interface {
	selectPairs(candidates []eloCandidate, nPairs int) []matchPair
}

func strategyFor(name string, rng *rand.Rand) pairingStrategy {
	switch name {
	case models.PairingRandom:
		return &randomPairing{rng: rng}
	default:
		return &swissPairing{}
	}
}

// randomPairing selects disjoint pairs uniformly at random. Used during the
// calibration phase so early ratings are not biased by seeding order.
type randomPairing struct {
	rng *rand.Rand
}

func (p *randomPairing) selectPairs(candidates []eloCandidate, nPairs int) []matchPair {
	if len(candidates) < 2 {
		return nil
	}

	available := make([]int, len(candidates))
	for i := range available {
		available[i] = i
	}
	p.rng.Shuffle(len(available), func(i, j int) {
		available[i], available[j] = available[j], available[i]
	})

	var pairs []matchPair
	for len(pairs) < nPairs && len(available) >= 2 {
		pairs = append(pairs, matchPair{a: available[0], b: available[1]})
		available = available[2:]
	}
	return pairs
}

// swissPairing pairs candidates with adjacent ratings, like chess tournament
// pairing. Close matches carry the most ranking information.
type swissPairing struct{}

func (p *swissPairing) selectPairs(candidates []eloCandidate, nPairs int) []matchPair {
	if len(candidates) < 2 {
		return nil
	}

	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		return candidates[order[i]].rating > candidates[order[j]].rating
	})

	var pairs []matchPair
	used := make(map[int]bool, len(order))

	for i := 0; i < len(order); i++ {
		a := order[i]
		if used[a] {
			continue
		}
		for j := i + 1; j < len(order); j++ {
			b := order[j]
			if used[b] {
				continue
			}
			pairs = append(pairs, matchPair{a: a, b: b})
			used[a] = true
			used[b] = true
			break
		}
		if len(pairs) >= nPairs {
			break
		}
	}
	return pairs
}
