package components

import (
	"fmt"

	"github.com/zylhub/rasa/pkg/engine"
	"gonum.org/v1/gonum/floats"
)

// Pooling strategies for sentence features.
const (
	PoolingMean = "mean"
	PoolingMax  = "max"
)

// Features are the numeric features of a message. Sequence has one row per
// token; Sentence describes the whole message.
type Features struct {
	Sequence [][]float64 `json:"sequence"`
	Sentence []float64   `json:"sentence"`

	// Origin lists the featurizers that contributed, in order.
	Origin []string `json:"origin"`
}

// TextFeatures returns the features currently on msg.
func TextFeatures(msg *engine.Message) (Features, bool) {
	return engine.AttributeValue[Features](msg, engine.AttrTextFeatures)
}

// Dim returns the sentence feature dimension.
func (f Features) Dim() int {
	return len(f.Sentence)
}

// CombineFeatures appends the columns of added to existing. Both must
// describe the same number of tokens.
func CombineFeatures(existing, added Features) (Features, error) {
	if len(existing.Sequence) != len(added.Sequence) {
		return Features{}, fmt.Errorf(
			"cannot combine sequence features with %d rows and %d rows", len(existing.Sequence), len(added.Sequence))
	}

	out := Features{
		Sequence: make([][]float64, len(existing.Sequence)),
		Sentence: make([]float64, 0, len(existing.Sentence)+len(added.Sentence)),
		Origin:   append(append([]string(nil), existing.Origin...), added.Origin...),
	}
	for i := range existing.Sequence {
		row := make([]float64, 0, len(existing.Sequence[i])+len(added.Sequence[i]))
		row = append(row, existing.Sequence[i]...)
		row = append(row, added.Sequence[i]...)
		out.Sequence[i] = row
	}
	out.Sentence = append(out.Sentence, existing.Sentence...)
	out.Sentence = append(out.Sentence, added.Sentence...)
	return out, nil
}

// SetFeatures writes features on msg, combining them with features an
// earlier featurizer already wrote.
func SetFeatures(msg *engine.Message, writer string, f Features) error {
	if existing, ok := TextFeatures(msg); ok {
		combined, err := CombineFeatures(existing, f)
		if err != nil {
			return err
		}
		f = combined
	}
	msg.Set(engine.AttrTextFeatures, f, writer)
	return nil
}

// PoolSequence reduces sequence rows to a single vector. Mean pooling
// ignores all-zero rows, which stand for padding or unknown tokens.
func PoolSequence(rows [][]float64, dim int, pooling string) ([]float64, error) {
	out := make([]float64, dim)
	if len(rows) == 0 {
		return out, nil
	}

	switch pooling {
	case PoolingMean:
		n := 0
		for _, row := range rows {
			if len(row) != dim {
				return nil, fmt.Errorf("row has %d columns, expected %d", len(row), dim)
			}
			if floats.Norm(row, 1) == 0 {
				continue
			}
			floats.Add(out, row)
			n++
		}
		if n > 0 {
			floats.Scale(1/float64(n), out)
		}
	case PoolingMax:
		if len(rows[0]) != dim {
			return nil, fmt.Errorf("row has %d columns, expected %d", len(rows[0]), dim)
		}
		copy(out, rows[0])
		for _, row := range rows[1:] {
			if len(row) != dim {
				return nil, fmt.Errorf("row has %d columns, expected %d", len(row), dim)
			}
			for j, v := range row {
				if v > out[j] {
					out[j] = v
				}
			}
		}
	default:
		return nil, fmt.Errorf("unknown pooling %q, use %q or %q", pooling, PoolingMean, PoolingMax)
	}
	return out, nil
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 if
// either is a zero vector.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}
