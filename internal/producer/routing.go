// Copyright 2025 James Ross
package producer

import (
	"fmt"

	"github.com/vtag/pipeline/internal/config"
	"github.com/vtag/pipeline/internal/taskerr"
)

// Router resolves a caller-visible platform tag to the queue-key
// prefix / worker cohort that owns it, replacing the scattered
// if/else platform checks split across RpaConsumer and its
// miaobi-platform counterpart in the original service.
type Router struct {
	cfg *config.Config
}

func NewRouter(cfg *config.Config) *Router {
	return &Router{cfg: cfg}
}

// Resolve returns the routing destination for platform, or
// taskerr.ErrInvalidInput wrapped with the offending platform when
// it's not in the routing table.
func (r *Router) Resolve(platform string) (string, error) {
	dest, ok := r.cfg.RoutePlatform(platform)
	if !ok {
		return "", fmt.Errorf("%w: unknown platform %q", taskerr.ErrInvalidInput, platform)
	}
	return dest, nil
}
