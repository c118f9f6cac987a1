//go:build consul

package hunt

import (
	"context"
	"fmt"
	"time"

	consulapi "github.com/hashicorp/consul/api"

	"huntd/pkg/model"
)

// ConsulEnabled reports whether this build can read hunts from Consul KV.
func ConsulEnabled() bool { return true }

// WatchConsul loads every definition stored under prefix and reloads on change
// using blocking queries. The first load happens before it returns.
func (c *Catalog) WatchConsul(ctx context.Context, addr, token, prefix string) error {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	if token != "" {
		cfg.Token = token
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return err
	}
	pairs, meta, err := cli.KV().List(prefix, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return fmt.Errorf("consul list %s: %w", prefix, err)
	}
	if err := c.Replace(c.decodePairs(pairs)); err != nil {
		c.log.Warn("consul hunt catalog had errors", "prefix", prefix, "error", err)
	}
	go func() {
		q := &consulapi.QueryOptions{WaitIndex: meta.LastIndex, WaitTime: 5 * time.Minute}
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			pairs, meta, err := cli.KV().List(prefix, q.WithContext(ctx))
			if err != nil {
				c.log.Warn("consul hunt watch failed", "prefix", prefix, "error", err)
				time.Sleep(time.Second)
				continue
			}
			if meta.LastIndex == q.WaitIndex {
				continue
			}
			if meta.LastIndex < q.WaitIndex {
				q.WaitIndex = 0
				continue
			}
			q.WaitIndex = meta.LastIndex
			if err := c.Replace(c.decodePairs(pairs)); err != nil {
				c.log.Warn("consul hunt catalog had errors", "prefix", prefix, "error", err)
			}
		}
	}()
	return nil
}

func (c *Catalog) decodePairs(pairs consulapi.KVPairs) []model.HuntDefinition {
	var out []model.HuntDefinition
	for _, p := range pairs {
		if len(p.Value) == 0 {
			continue
		}
		defs, err := Parse(p.Value)
		if err != nil {
			c.log.Warn("skipping undecodable hunt key", "key", p.Key, "error", err)
			continue
		}
		out = append(out, defs...)
	}
	return out
}
