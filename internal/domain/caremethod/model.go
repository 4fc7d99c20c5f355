package caremethod

import (
	"time"

	"github.com/google/uuid"
)

// Classification is a nursing-workload care class derived from a total score.
type Classification string

const (
	ClassMinimal        Classification = "MINIMOS"
	ClassIntermediate   Classification = "INTERMEDIARIOS"
	ClassHighDependency Classification = "ALTA_DEPENDENCIA"
	ClassSemiIntensive  Classification = "SEMI_INTENSIVOS"
	ClassIntensive      Classification = "INTENSIVOS"
)

// Valid reports whether c is one of the known classifications.
func (c Classification) Valid() bool {
	switch c {
	case ClassMinimal, ClassIntermediate, ClassHighDependency, ClassSemiIntensive, ClassIntensive:
		return true
	}
	return false
}

// ScoreBand maps an inclusive total-score range to a classification.
type ScoreBand struct {
	Min            int            `db:"score_min" json:"min"`
	Max            int            `db:"score_max" json:"max"`
	Classification Classification `db:"classification" json:"classification"`
}

// CareMethod is a named classification scheme (e.g. FUGULIN) with ordered
// score bands and, when known, the set of valid question keys.
type CareMethod struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Key       string    `db:"key" json:"key"`
	Name      string    `db:"name" json:"name"`
	Bands     []ScoreBand
	// QuestionKeys lists the valid item keys for this method. Nil means
	// the question schema is unknown and item keys are not validated.
	QuestionKeys []string
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Classify returns the classification whose band contains total. The
// second return is false when no band matches.
func (m *CareMethod) Classify(total int) (Classification, bool) {
	for _, b := range m.Bands {
		if total >= b.Min && total <= b.Max {
			return b.Classification, true
		}
	}
	return "", false
}

// KnowsQuestions reports whether the method carries a question schema.
func (m *CareMethod) KnowsQuestions() bool {
	return m.QuestionKeys != nil
}

// ValidItem reports whether key belongs to the method's question schema.
// Methods without a schema accept any key.
func (m *CareMethod) ValidItem(key string) bool {
	if !m.KnowsQuestions() {
		return true
	}
	for _, k := range m.QuestionKeys {
		if k == key {
			return true
		}
	}
	return false
}
