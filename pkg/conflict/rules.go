package conflict

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/meridianos/chartmerge/pkg/common/models"
	"gopkg.in/yaml.v3"
)

// SeverityRules maps a conflict category to its minimum severity. Deployments
// can raise floors through a YAML file; the compiled-in safety floors
// (dosage and allergy mismatches at least high, demographic mismatches
// critical) can never be lowered.
type SeverityRules struct {
	Minimums map[string]string `yaml:"minimums" json:"minimums"`
}

func DefaultSeverityRules() SeverityRules {
	return SeverityRules{Minimums: map[string]string{
		models.ConflictDosage: models.SeverityHigh,
		models.ConflictStatus: models.SeverityMedium,
		models.ConflictUnit:   models.SeverityMedium,
	}}
}

func LoadSeverityRules(path string) (SeverityRules, error) {
	if path == "" {
		return DefaultSeverityRules(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultSeverityRules(), err
	}
	var rules SeverityRules
	if err := yaml.Unmarshal(content, &rules); err != nil {
		return SeverityRules{}, err
	}
	if len(rules.Minimums) == 0 {
		return SeverityRules{}, fmt.Errorf("severity rules file empty")
	}
	// Configured rules merge on top of the defaults so the floors survive a
	// partial file.
	merged := DefaultSeverityRules()
	for category, severity := range rules.Minimums {
		if models.SeverityRank(severity) > models.SeverityRank(merged.Minimums[category]) {
			merged.Minimums[category] = severity
		}
	}
	return merged, nil
}

// Apply escalates a computed severity to the configured minimum for its
// category. It never lowers a severity.
func (r SeverityRules) Apply(category, severity string) string {
	minimum, ok := r.Minimums[category]
	if !ok {
		return severity
	}
	if models.SeverityRank(minimum) > models.SeverityRank(severity) {
		return minimum
	}
	return severity
}
