package eval

import (
	"strconv"

	"github.com/Test-Scouts/LLM-Req-Traceability/internal/diag"
)

// Counts: 混淆矩阵计数。
type Counts struct {
	N  int `json:"n" yaml:"n"`
	TP int `json:"tp" yaml:"tp"`
	TN int `json:"tn" yaml:"tn"`
	FP int `json:"fp" yaml:"fp"`
	FN int `json:"fn" yaml:"fn"`
}

// Add 返回累加结果。
func (c Counts) Add(o Counts) Counts {
	return Counts{N: c.N + o.N, TP: c.TP + o.TP, TN: c.TN + o.TN, FP: c.FP + o.FP, FN: c.FN + o.FN}
}

// ConfusionMatrix: 计数及派生比率。分母为 0 的比率定义为 0。
type ConfusionMatrix struct {
	Counts           `yaml:",inline"`
	Accuracy         float64 `json:"accuracy" yaml:"accuracy"`
	BalancedAccuracy float64 `json:"balanced_accuracy" yaml:"balanced_accuracy"`
	F1               float64 `json:"f1" yaml:"f1"`
	Recall           float64 `json:"recall" yaml:"recall"`
	Precision        float64 `json:"precision" yaml:"precision"`
	Specificity      float64 `json:"specificity" yaml:"specificity"`
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// Derive 由计数计算派生比率。
// specificity = tn/(tn+fn)，balanced_accuracy = (precision+specificity)/2。
func Derive(c Counts) ConfusionMatrix {
	m := ConfusionMatrix{Counts: c}
	m.Accuracy = ratio(float64(c.TP+c.TN), float64(c.N))
	m.Recall = ratio(float64(c.TP), float64(c.TP+c.FN))
	m.Precision = ratio(float64(c.TP), float64(c.TP+c.FP))
	m.Specificity = ratio(float64(c.TN), float64(c.TN+c.FN))
	m.BalancedAccuracy = (m.Precision + m.Specificity) / 2
	m.F1 = ratio(2*m.Recall*m.Precision, m.Recall+m.Precision)
	return m
}

// Pair: 一条 (需求, 测试) 链接。
type Pair struct {
	Req  string
	Test string
}

// Evaluation: 单次运行的评估结果。
type Evaluation struct {
	Matrix ConfusionMatrix
	// Skipped: 真值中不存在的需求 ID（已排除）。
	Skipped []string
	// Mismatched: tp+fp+tn+fn 与测试全集大小不一致的需求 ID。
	Mismatched []string
	TP         []Pair
	FP         []Pair
}

// Evaluate 以测试全集 universe 为负空间计算混淆矩阵。
// 需求按 ID 字典序处理；未知需求记 warn 并跳过；计数和与全集大小不符记 error，不中止。
func Evaluate(links map[string][]string, truth Truth, universe map[string]struct{}, source string, logger *diag.Logger) Evaluation {
	var ev Evaluation
	var total Counts
	for _, req := range sortedKeys(links) {
		expected, ok := truth.Expected(req)
		if !ok {
			ev.Skipped = append(ev.Skipped, req)
			if logger != nil {
				logger.Warn("eval", "lookup", "requirement missing from ground truth", req, map[string]string{"source": source})
			}
			continue
		}
		actual := toSet(links[req])

		var c Counts
		for _, id := range sortedKeys(actual) {
			if _, hit := expected[id]; hit {
				c.TP++
				ev.TP = append(ev.TP, Pair{Req: req, Test: id})
			} else {
				c.FP++
				ev.FP = append(ev.FP, Pair{Req: req, Test: id})
			}
		}
		// 负空间：expectedNeg = U - expected，actualNeg = U - actual
		for id := range universe {
			_, inExp := expected[id]
			_, inAct := actual[id]
			if inAct {
				continue
			}
			if inExp {
				c.FN++
			} else {
				c.TN++
			}
		}
		c.N = c.TP + c.FP + c.TN + c.FN
		if c.N != len(universe) {
			ev.Mismatched = append(ev.Mismatched, req)
			if logger != nil {
				logger.ErrorWithKV("eval", string(diag.CodeInvariant), "confusion counts do not cover the test universe", nil, req, map[string]string{
					"source": source,
					"want":   strconv.Itoa(len(universe)),
					"got":    strconv.Itoa(c.N),
				})
			}
		}
		total = total.Add(c)
	}
	ev.Matrix = Derive(total)
	return ev
}

// Prevalence = (Σtp + Σfn) / Σn；Σn 为 0 时为 0。
func Prevalence(cs ...Counts) float64 {
	var t Counts
	for _, c := range cs {
		t = t.Add(c)
	}
	return ratio(float64(t.TP+t.FN), float64(t.N))
}
