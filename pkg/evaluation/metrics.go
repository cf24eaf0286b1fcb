package evaluation

import (
	"sort"
)

// LabelMetrics are the classification metrics of one label.
type LabelMetrics struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1_score"`
	Support   int     `json:"support"`

	// ConfusedWith counts the labels most often predicted instead of this
	// one.
	ConfusedWith map[string]int `json:"confused_with,omitempty"`
}

// Report summarizes a classification task.
type Report struct {
	Labels map[string]LabelMetrics `json:"labels"`

	// Precision and F1 are averages over labels weighted by support.
	Precision float64 `json:"precision"`
	F1        float64 `json:"f1_score"`
	Accuracy  float64 `json:"accuracy"`

	Confusion Confusion `json:"confusion"`
}

// Confusion is a confusion matrix. Rows are targets, columns predictions.
type Confusion struct {
	Labels []string `json:"labels"`
	Matrix [][]int  `json:"matrix"`
}

// Count returns how often target was predicted as predicted.
func (c Confusion) Count(target, predicted string) int {
	i, j := indexOf(c.Labels, target), indexOf(c.Labels, predicted)
	if i < 0 || j < 0 {
		return 0
	}
	return c.Matrix[i][j]
}

func indexOf(labels []string, label string) int {
	i := sort.SearchStrings(labels, label)
	if i < len(labels) && labels[i] == label {
		return i
	}
	return -1
}

// Metrics computes per-label and averaged metrics. Labels are the distinct
// targets; exclude, when not empty, is left out of the per-label metrics
// and the averages but still counts towards accuracy.
func Metrics(targets, predictions []string, exclude string) Report {
	r := Report{Labels: make(map[string]LabelMetrics)}
	if len(targets) == 0 || len(targets) != len(predictions) {
		return r
	}

	support := make(map[string]int)
	predicted := make(map[string]int)
	correct := make(map[string]int)
	hits := 0
	for i, t := range targets {
		p := predictions[i]
		support[t]++
		predicted[p]++
		if t == p {
			correct[t]++
			hits++
		}
	}
	r.Accuracy = float64(hits) / float64(len(targets))
	r.Confusion = confusionMatrix(targets, predictions)

	total := 0
	for label, n := range support {
		if label == exclude && exclude != "" {
			continue
		}
		m := LabelMetrics{Support: n}
		if predicted[label] > 0 {
			m.Precision = float64(correct[label]) / float64(predicted[label])
		}
		m.Recall = float64(correct[label]) / float64(n)
		if m.Precision+m.Recall > 0 {
			m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
		}
		m.ConfusedWith = confusedWith(r.Confusion, label)
		r.Labels[label] = m

		r.Precision += m.Precision * float64(n)
		r.F1 += m.F1 * float64(n)
		total += n
	}
	if total > 0 {
		r.Precision /= float64(total)
		r.F1 /= float64(total)
	}
	return r
}

func confusionMatrix(targets, predictions []string) Confusion {
	set := make(map[string]bool)
	for i := range targets {
		set[targets[i]] = true
		set[predictions[i]] = true
	}
	labels := make([]string, 0, len(set))
	for l := range set {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	c := Confusion{Labels: labels, Matrix: make([][]int, len(labels))}
	for i := range c.Matrix {
		c.Matrix[i] = make([]int, len(labels))
	}
	for i := range targets {
		c.Matrix[indexOf(labels, targets[i])][indexOf(labels, predictions[i])]++
	}
	return c
}

// confusedWith looks at the three largest cells of the label's row and
// keeps the false positives among them.
func confusedWith(c Confusion, label string) map[string]int {
	row := indexOf(c.Labels, label)
	if row < 0 {
		return nil
	}
	cols := make([]int, len(c.Labels))
	for i := range cols {
		cols[i] = i
	}
	sort.SliceStable(cols, func(a, b int) bool { return c.Matrix[row][cols[a]] > c.Matrix[row][cols[b]] })

	out := make(map[string]int)
	for _, col := range cols[:min(3, len(cols))] {
		if col != row && c.Matrix[row][col] > 0 {
			out[c.Labels[col]] = c.Matrix[row][col]
		}
	}
	return out
}
