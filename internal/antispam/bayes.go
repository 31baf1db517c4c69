/*
Kestrel SMTP Server - High-throughput extensible SMTP server platform.
Copyright © 2023-2026 The Kestrel developers

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package antispam

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/redis/go-redis/v9"
)

// Bayes is a naive Bayesian classifier with token statistics kept in Redis,
// shared by all server instances pointing at the same database. It scores
// nothing until trained through Train.
type Bayes struct {
	Redis redis.UniversalClient

	// Redis key prefix. Empty means "bayes".
	KeyPrefix string

	// MaxScore is the score assigned at spam probability 1.0. Zero means 60.
	MaxScore int
}

const (
	// Tokens with fewer sightings carry no signal yet.
	bayesMinSeen = 3
	// Most significant tokens considered per message, Graham style.
	bayesTopTokens = 15
)

func (c *Bayes) Name() string { return "bayes" }

func (c *Bayes) prefix() string {
	if c.KeyPrefix == "" {
		return "bayes"
	}
	return c.KeyPrefix
}

func (c *Bayes) maxScore() int {
	if c.MaxScore == 0 {
		return 60
	}
	return c.MaxScore
}

// Train records the message tokens as ham or spam. Counters are hash
// fields so a pipeline of HINCRBY calls updates everything in one trip.
func (c *Bayes) Train(ctx context.Context, raw []byte, spam bool) error {
	class := "ham"
	if spam {
		class = "spam"
	}
	tokens := tokenize(raw)
	if len(tokens) == 0 {
		return nil
	}

	pipe := c.Redis.Pipeline()
	for token := range tokens {
		pipe.HIncrBy(ctx, c.prefix()+":"+class, token, 1)
	}
	pipe.Incr(ctx, c.prefix()+":"+class+"_total")
	_, err := pipe.Exec(ctx)
	return err
}

func (c *Bayes) Check(ctx context.Context, m *Mail) (CheckResult, error) {
	tokens := tokenize(m.Raw)
	if len(tokens) == 0 {
		return CheckResult{}, nil
	}

	totals, err := c.Redis.MGet(ctx, c.prefix()+":spam_total", c.prefix()+":ham_total").Result()
	if err != nil {
		return CheckResult{}, err
	}
	spamTotal := redisInt(totals[0])
	hamTotal := redisInt(totals[1])
	if spamTotal == 0 || hamTotal == 0 {
		// Untrained corpus.
		return CheckResult{}, nil
	}

	list := make([]string, 0, len(tokens))
	for token := range tokens {
		list = append(list, token)
	}
	sort.Strings(list)

	pipe := c.Redis.Pipeline()
	spamCmd := pipe.HMGet(ctx, c.prefix()+":spam", list...)
	hamCmd := pipe.HMGet(ctx, c.prefix()+":ham", list...)
	if _, err := pipe.Exec(ctx); err != nil {
		return CheckResult{}, err
	}
	spamCounts := spamCmd.Val()
	hamCounts := hamCmd.Val()

	// Per-token spam probability, keeping the bayesTopTokens values
	// furthest from 0.5.
	probs := make([]float64, 0, len(list))
	for i := range list {
		spamSeen := redisInt(spamCounts[i])
		hamSeen := redisInt(hamCounts[i])
		if spamSeen+hamSeen < bayesMinSeen {
			continue
		}
		spamFreq := float64(spamSeen) / float64(spamTotal)
		hamFreq := float64(hamSeen) / float64(hamTotal)
		p := spamFreq / (spamFreq + hamFreq)
		// Clamp away from 0 and 1 so a single token cannot dominate.
		if p < 0.01 {
			p = 0.01
		}
		if p > 0.99 {
			p = 0.99
		}
		probs = append(probs, p)
	}
	if len(probs) == 0 {
		return CheckResult{}, nil
	}

	sort.Slice(probs, func(i, j int) bool {
		di := probs[i] - 0.5
		dj := probs[j] - 0.5
		if di < 0 {
			di = -di
		}
		if dj < 0 {
			dj = -dj
		}
		return di > dj
	})
	if len(probs) > bayesTopTokens {
		probs = probs[:bayesTopTokens]
	}

	num, den := 1.0, 1.0
	for _, p := range probs {
		num *= p
		den *= 1 - p
	}
	p := num / (num + den)

	cr := CheckResult{Score: int(p * float64(c.maxScore()))}
	if p > 0.9 {
		cr.IsSpam = true
	}
	if cr.Score > 0 {
		cr.Reason = "bayes classifier"
	}
	return cr, nil
}

func redisInt(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int64
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return 0
		}
		n = n*10 + int64(ch-'0')
	}
	return n
}

// tokenize extracts the word set of a message: lowercased runs of letters
// and digits, 3 to 20 characters long. A set, not a bag, so repeating a
// word does not amplify its weight.
func tokenize(raw []byte) map[string]struct{} {
	tokens := map[string]struct{}{}
	var cur strings.Builder
	flush := func() {
		if cur.Len() >= 3 && cur.Len() <= 20 {
			tokens[cur.String()] = struct{}{}
		}
		cur.Reset()
	}
	for _, r := range string(raw) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur.WriteRune(unicode.ToLower(r))
			continue
		}
		flush()
	}
	flush()
	return tokens
}
