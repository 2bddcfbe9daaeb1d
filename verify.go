package cosmigrate

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
)

// Verification compares item counts of a completed unit.
type Verification struct {
	SourceCount int64 `json:"source_count"`
	TargetCount int64 `json:"target_count"`
	Verified    bool  `json:"verified"`
}

// verifyUnit counts the items on both sides of u. The target may legitimately
// hold more items than the source when it was pre-populated, so only a target
// count lower than the source count minus rejections is reported as unverified.
func verifyUnit(ctx context.Context, g *Governor, source, target AccountClient, u *MigrationUnit, rejected int64) (*Verification, error) {
	sc, ok := source.(ItemCounter)
	if !ok {
		return nil, errors.New("source account client cannot count items")
	}
	tc, ok := target.(ItemCounter)
	if !ok {
		return nil, errors.New("target account client cannot count items")
	}

	sourceCount, err := WithRetry(ctx, g, "count source items "+u.Source.String(), func(ctx context.Context) (int64, error) {
		return sc.CountItems(ctx, u.Source)
	})
	if err != nil {
		return nil, err
	}
	targetCount, err := WithRetry(ctx, g, "count target items "+u.Target.String(), func(ctx context.Context) (int64, error) {
		return tc.CountItems(ctx, u.Target)
	})
	if err != nil {
		return nil, err
	}

	v := &Verification{
		SourceCount: sourceCount,
		TargetCount: targetCount,
		Verified:    targetCount >= sourceCount-rejected,
	}
	ev := log.Info()
	if !v.Verified {
		ev = log.Warn()
	}
	ev.Str("unit", u.Key()).
		Int64("source_count", sourceCount).
		Int64("target_count", targetCount).
		Bool("verified", v.Verified).
		Msg("verified item counts")
	return v, nil
}
