package conflict

import (
	"fmt"
	"math"

	"github.com/meridianos/chartmerge/pkg/common/models"
)

// confidenceGap is the absolute confidence difference that lets the
// higher-confidence value win outright.
const confidenceGap = 0.15

type Resolver struct{}

func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve assigns exactly one strategy to each conflict and, where the
// strategy permits, picks the winning value. Critical conflicts and high
// conflicts with no material confidence difference stay unresolved for manual
// review; the merge still proceeds around them. The losing value is never
// discarded here; the orchestrator writes it to history.
func (r *Resolver) Resolve(conflicts []models.ConflictRecord, incoming, existing map[string]models.ResourceEntry) []models.ConflictRecord {
	resolved := make([]models.ConflictRecord, 0, len(conflicts))
	for _, c := range conflicts {
		resolved = append(resolved, r.resolveOne(c, incoming, existing))
	}
	return resolved
}

func (r *Resolver) resolveOne(c models.ConflictRecord, incoming, existing map[string]models.ResourceEntry) models.ConflictRecord {
	switch {
	case c.Category == models.ConflictDuplicate:
		c.Strategy = models.StrategyNewestWins
		c.ChosenValue = c.ExistingValue
		c.Rationale = "identical values, deduplicated against existing entry"
		c.Resolved = true
		return c

	case c.Severity == models.SeverityCritical:
		c.Strategy = models.StrategyManualReview
		c.Rationale = "critical severity requires human review"
		return c
	}

	in, hasIn := incoming[c.IncomingResourceID]
	ex, hasEx := existing[c.ExistingResourceID]

	if hasIn && hasEx {
		gap := in.Confidence(c.Field) - ex.Confidence(c.Field)
		if math.Abs(gap) > confidenceGap {
			c.Strategy = models.StrategyConfidenceBased
			if gap > 0 {
				c.ChosenValue = c.NewValue
				c.Rationale = fmt.Sprintf("incoming value wins on extraction confidence (%.2f vs %.2f)", in.Confidence(c.Field), ex.Confidence(c.Field))
			} else {
				c.ChosenValue = c.ExistingValue
				c.Rationale = fmt.Sprintf("existing value wins on extraction confidence (%.2f vs %.2f)", ex.Confidence(c.Field), in.Confidence(c.Field))
			}
			c.Resolved = true
			return c
		}
	}

	if c.Severity == models.SeverityHigh {
		c.Strategy = models.StrategyManualReview
		c.Rationale = "high severity with no material confidence difference"
		return c
	}

	// Two valid time-bound readings are both kept rather than superseded.
	if hasIn && hasEx && timeBound[c.ResourceType] && c.Category == models.ConflictValue {
		inDate, okIn := clinicalDate(in)
		exDate, okEx := clinicalDate(ex)
		if okIn && okEx && !inDate.Equal(exDate) {
			c.Strategy = models.StrategyPreserveBoth
			c.Rationale = fmt.Sprintf("distinct readings at %s and %s, both retained", exDate.Format("2006-01-02"), inDate.Format("2006-01-02"))
			c.Resolved = true
			return c
		}
	}

	c.Strategy = models.StrategyNewestWins
	if newestIsIncoming(in, ex, hasIn, hasEx) {
		c.ChosenValue = c.NewValue
		c.Rationale = "incoming document is newer"
	} else {
		c.ChosenValue = c.ExistingValue
		c.Rationale = "existing record is newer"
	}
	c.Resolved = true
	return c
}

func newestIsIncoming(in, ex models.ResourceEntry, hasIn, hasEx bool) bool {
	if !hasIn || !hasEx {
		return hasIn
	}
	inDate, okIn := clinicalDate(in)
	exDate, okEx := clinicalDate(ex)
	if okIn && okEx {
		return !inDate.Before(exDate)
	}
	return !in.Meta.LastUpdated.Before(ex.Meta.LastUpdated)
}
