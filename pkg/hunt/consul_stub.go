//go:build !consul

package hunt

import (
	"context"
	"errors"
)

// ErrConsulDisabled is returned when the binary was built without the consul tag.
var ErrConsulDisabled = errors.New("consul hunt source requires build tag consul")

func ConsulEnabled() bool { return false }

func (c *Catalog) WatchConsul(_ context.Context, addr, _, prefix string) error {
	c.log.Warn("consul hunt source requested but consul build tag not enabled", "addr", addr, "prefix", prefix)
	return ErrConsulDisabled
}
