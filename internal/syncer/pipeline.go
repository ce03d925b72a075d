package syncer

import (
	"context"
	"fmt"
	"strings"

	"kasirinaja/kiosk/internal/domain"
)

// Stage pushes the pending records of one entity type. Stages run in
// dependency order; a stage may rely on server ids produced by the stages it
// depends on.
type Stage interface {
	Entity() domain.EntityType
	DependsOn() []domain.EntityType
	Pending(ctx context.Context) (int, error)
	// Sync pushes every pending record. The error is reserved for failures
	// of the stage as a whole; per-record failures land in the counts.
	Sync(ctx context.Context, env *Env) (*EntityCounts, error)
}

// Resolver is implemented by stages that other stages depend on. It pushes a
// single record inline to close a dependency gap.
type Resolver interface {
	Resolve(ctx context.Context, env *Env, localID string) error
}

type Pipeline struct {
	stages    []Stage
	resolvers map[domain.EntityType]Resolver
}

// NewPipeline orders stages so every stage follows its dependencies, keeping
// the given order among independent stages. Unknown dependencies, duplicate
// entities and cycles are rejected.
func NewPipeline(stages ...Stage) (*Pipeline, error) {
	byEntity := make(map[domain.EntityType]Stage, len(stages))
	for _, s := range stages {
		if _, dup := byEntity[s.Entity()]; dup {
			return nil, fmt.Errorf("pipeline: duplicate stage for %s", s.Entity())
		}
		byEntity[s.Entity()] = s
	}
	for _, s := range stages {
		for _, dep := range s.DependsOn() {
			if _, ok := byEntity[dep]; !ok {
				return nil, fmt.Errorf("pipeline: %s depends on unknown stage %s", s.Entity(), dep)
			}
		}
	}

	placed := make(map[domain.EntityType]bool, len(stages))
	ordered := make([]Stage, 0, len(stages))
	for len(ordered) < len(stages) {
		progressed := false
		for _, s := range stages {
			if placed[s.Entity()] || !depsPlaced(s, placed) {
				continue
			}
			placed[s.Entity()] = true
			ordered = append(ordered, s)
			progressed = true
			break
		}
		if !progressed {
			left := make([]string, 0)
			for _, s := range stages {
				if !placed[s.Entity()] {
					left = append(left, string(s.Entity()))
				}
			}
			return nil, fmt.Errorf("pipeline: dependency cycle among %s", strings.Join(left, ", "))
		}
	}

	resolvers := make(map[domain.EntityType]Resolver)
	for _, s := range ordered {
		if r, ok := s.(Resolver); ok {
			resolvers[s.Entity()] = r
		}
	}
	return &Pipeline{stages: ordered, resolvers: resolvers}, nil
}

func depsPlaced(s Stage, placed map[domain.EntityType]bool) bool {
	for _, dep := range s.DependsOn() {
		if !placed[dep] {
			return false
		}
	}
	return true
}

func (p *Pipeline) Stages() []Stage {
	return append([]Stage(nil), p.stages...)
}

func (p *Pipeline) Order() []domain.EntityType {
	out := make([]domain.EntityType, 0, len(p.stages))
	for _, s := range p.stages {
		out = append(out, s.Entity())
	}
	return out
}
