package reducer

import (
	"context"
	"encoding/json"
	"errors"

	"qualitybots/internal/store"
	"qualitybots/internal/tasks"
)

const (
	TaskCompareRenders   = "compare_renders"
	TaskComputeDeltaPart = "compute_delta_part"
	TaskComputeScore     = "compute_score"
)

type Registrar interface {
	Register(name string, h tasks.Handler)
}

type compareRendersArgs struct {
	Token string `json:"token"`
}

type deltaPartArgs struct {
	ComparisonID string `json:"comparison_id"`
	Part         int    `json:"part"`
}

type scoreArgs struct {
	ComparisonID string `json:"comparison_id"`
}

func (s *Service) RegisterHandlers(r Registrar) {
	r.Register(TaskCompareRenders, s.handleCompareRenders)
	r.Register(TaskComputeDeltaPart, s.handleComputeDeltaPart)
	r.Register(TaskComputeScore, s.handleComputeScore)
}

// handleCompareRenders finishes scheduling any unscored comparison of the run
// and then pairs every render that is ready now.
func (s *Service) handleCompareRenders(ctx context.Context, raw json.RawMessage) error {
	args, err := tasks.Decode[compareRendersArgs](raw)
	if err != nil {
		return err
	}
	if _, err := s.resumePending(ctx, args.Token); err != nil {
		return err
	}
	_, err = s.pairReady(ctx, args.Token, 0)
	return err
}

func (s *Service) handleComputeDeltaPart(ctx context.Context, raw json.RawMessage) error {
	args, err := tasks.Decode[deltaPartArgs](raw)
	if err != nil {
		return err
	}
	err = s.ComputeDeltaByPart(ctx, args.ComparisonID, args.Part)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, ErrInvalidChunk) {
		return tasks.Permanent(err)
	}
	return err
}

func (s *Service) handleComputeScore(ctx context.Context, raw json.RawMessage) error {
	args, err := tasks.Decode[scoreArgs](raw)
	if err != nil {
		return err
	}
	_, err = s.ComputeScore(ctx, args.ComparisonID)
	if errors.Is(err, store.ErrNotFound) {
		return tasks.Permanent(err)
	}
	return err
}
