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
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Greylist implements Greylister on Redis. The tuple key is the client /24
// network (or /64 for IPv6), the envelope sender and the first recipient,
// so farm retries from a nearby host still match.
//
// A first-seen tuple is deferred until Delay has passed; a tuple that
// retries within Lifetime is whitelisted for WhitelistTTL and passes
// without further deferrals.
type Greylist struct {
	Redis redis.UniversalClient

	// Empty means "greylist".
	KeyPrefix string

	Delay        time.Duration // default 5 min
	Lifetime     time.Duration // default 4 h
	WhitelistTTL time.Duration // default 7 days

	// Now overrides the clock in tests.
	Now func() time.Time
}

func (g *Greylist) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g *Greylist) prefix() string {
	if g.KeyPrefix == "" {
		return "greylist"
	}
	return g.KeyPrefix
}

func (g *Greylist) delay() time.Duration {
	if g.Delay == 0 {
		return 5 * time.Minute
	}
	return g.Delay
}

func (g *Greylist) lifetime() time.Duration {
	if g.Lifetime == 0 {
		return 4 * time.Hour
	}
	return g.Lifetime
}

func (g *Greylist) whitelistTTL() time.Duration {
	if g.WhitelistTTL == 0 {
		return 7 * 24 * time.Hour
	}
	return g.WhitelistTTL
}

func (g *Greylist) ShouldDefer(ctx context.Context, m *Mail) (bool, error) {
	key := g.tupleKey(m)

	// Tuples seen retrying once are whitelisted, skip the dance.
	wl, err := g.Redis.Exists(ctx, g.prefix()+":wl:"+key).Result()
	if err != nil {
		return false, err
	}
	if wl != 0 {
		return false, nil
	}

	now := g.now()
	seenKey := g.prefix() + ":seen:" + key

	// SetNX makes the first-sighting record race-free across instances.
	created, err := g.Redis.SetNX(ctx, seenKey,
		strconv.FormatInt(now.Unix(), 10), g.lifetime()).Result()
	if err != nil {
		return false, err
	}
	if created {
		return true, nil
	}

	val, err := g.Redis.Get(ctx, seenKey).Result()
	if err != nil {
		if err == redis.Nil {
			// Expired between EXISTS and GET, treat as first sighting.
			return true, nil
		}
		return false, err
	}
	firstSeen, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return false, err
	}

	if now.Sub(time.Unix(firstSeen, 0)) < g.delay() {
		return true, nil
	}

	// Retried after the delay within the lifetime: legitimate queueing
	// behavior, whitelist the tuple.
	if err := g.Redis.Set(ctx, g.prefix()+":wl:"+key, "1", g.whitelistTTL()).Err(); err != nil {
		return false, err
	}
	return false, nil
}

func (g *Greylist) tupleKey(m *Mail) string {
	network := ""
	if m.ClientIP != nil {
		if v4 := m.ClientIP.To4(); v4 != nil {
			network = v4.Mask(net.CIDRMask(24, 32)).String()
		} else {
			network = m.ClientIP.Mask(net.CIDRMask(64, 128)).String()
		}
	}
	firstRcpt := ""
	if len(m.RcptTo) != 0 {
		firstRcpt = strings.ToLower(m.RcptTo[0])
	}
	return network + "|" + strings.ToLower(m.MailFrom) + "|" + firstRcpt
}
