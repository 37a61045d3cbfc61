package credit

import (
	"fmt"
	"math"

	"github.com/kiranshivaraju/genforge/internal/config"
	"github.com/kiranshivaraju/genforge/pkg/models"
)

// Video multipliers applied on top of the base video cost.
const (
	longVideoThresholdSecs = 5
	longVideoMultiplier    = 1.5
	hdVideoMultiplier      = 1.5
)

// Pricing computes per-item costs from configuration.
type Pricing struct {
	cfg config.CreditsConfig
}

func NewPricing(cfg config.CreditsConfig) Pricing {
	return Pricing{cfg: cfg}
}

// PerItemCost is the amount charged for one successful item of req.
func (p Pricing) PerItemCost(req models.GenerationRequest) int {
	switch req.Kind {
	case models.KindGenerate:
		return p.cfg.GenerateCost
	case models.KindEdit:
		return p.cfg.EditCost
	case models.KindBatchEdit:
		return p.cfg.BatchEditCost
	case models.KindStyleVariations:
		return p.cfg.StyleVariationCost
	case models.KindSequentialEdit:
		n := req.MaxImages
		if n < 1 {
			n = 1
		}
		return p.cfg.SequentialEditCost * n
	case models.KindVideo:
		if req.Video == nil {
			return p.cfg.VideoBaseCost
		}
		return p.VideoCost(*req.Video)
	default:
		return 0
	}
}

// VideoCost is ceil(base × duration multiplier × resolution multiplier).
func (p Pricing) VideoCost(v models.VideoSpec) int {
	cost := float64(p.cfg.VideoBaseCost)
	if v.Duration > longVideoThresholdSecs {
		cost *= longVideoMultiplier
	}
	if v.Resolution == "720p" || v.Resolution == "1080p" {
		cost *= hdVideoMultiplier
	}
	return int(math.Ceil(cost))
}

// FailedItemCharge is charged for an item the provider attempted but did not
// produce. Zero by default.
func (p Pricing) FailedItemCharge() int {
	return p.cfg.FailedItemCharge
}

// Describe renders n items of kind for error messages, e.g. "3 images".
func Describe(kind string, n int) string {
	unit := "image"
	if kind == models.KindVideo {
		unit = "video"
	}
	if n != 1 {
		unit += "s"
	}
	return fmt.Sprintf("%d %s", n, unit)
}
