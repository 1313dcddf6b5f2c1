package pipeline

import (
	"fmt"
	"regexp"

	"github.com/fyrsmithlabs/phased/internal/validation"
)

// FailureClass categorizes a validation failure so the retry loop can build
// a targeted follow-up instead of a blind retry.
type FailureClass string

const (
	FailureLogic      FailureClass = "logic"
	FailureType       FailureClass = "type"
	FailureSchema     FailureClass = "schema"
	FailureImport     FailureClass = "import"
	FailureDependency FailureClass = "dependency"
)

// Classifier inspects a failed validation result and names the failure.
type Classifier interface {
	Classify(result validation.Result) FailureClass
}

// HeuristicClassifier classifies failures by matching runner output against
// known patterns. Order matters: the most specific classes are tried first,
// and anything unrecognized is a logic failure.
type HeuristicClassifier struct{}

// NewHeuristicClassifier creates the default classifier.
func NewHeuristicClassifier() *HeuristicClassifier {
	return &HeuristicClassifier{}
}

var failurePatterns = []struct {
	class FailureClass
	re    *regexp.Regexp
}{
	{FailureDependency, regexp.MustCompile(`(?i)(missing go\.sum entry|cannot find module|no required module provides|module .* not found|package .* is not in std)`)},
	{FailureImport, regexp.MustCompile(`(?i)(cannot find package|undefined: \w+|imported and not used|import cycle|unresolved import)`)},
	{FailureSchema, regexp.MustCompile(`(?i)(no such (table|column)|relation .* does not exist|unknown column|migration|schema mismatch|constraint .* violated)`)},
	{FailureType, regexp.MustCompile(`(?i)(cannot use .* as .* value|type mismatch|incompatible type|invalid operation: .* \(mismatched types|cannot convert)`)},
}

// Classify implements Classifier.
func (c *HeuristicClassifier) Classify(result validation.Result) FailureClass {
	for _, p := range failurePatterns {
		if p.re.MatchString(result.Log) {
			return p.class
		}
	}
	return FailureLogic
}

// FollowUpPrompt builds the targeted correction for a classified failure.
func FollowUpPrompt(class FailureClass, result validation.Result) string {
	header := fmt.Sprintf("The previous attempt failed validation (%s).", result.Summary())
	switch class {
	case FailureDependency:
		return header + " The failure is a missing or broken dependency: fix the module requirements before touching any logic."
	case FailureImport:
		return header + " The failure is an unresolved or unused import: correct the import set; do not rewrite working code."
	case FailureSchema:
		return header + " The failure is a schema mismatch: align the schema or migration with what the tests expect."
	case FailureType:
		return header + " The failure is a type error: fix the offending signatures or conversions without changing behavior elsewhere."
	default:
		return header + " The failure is in the logic under test: re-read the failing cases and correct the implementation to satisfy them."
	}
}
