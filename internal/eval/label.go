package eval

import (
	"fmt"
	"strings"

	"github.com/Test-Scouts/LLM-Req-Traceability/internal/diag"
)

// LabelReport: 需求级二分类评估（是否存在任一链接），比率为百分数。
type LabelReport struct {
	Counts    `yaml:",inline"`
	Accuracy  float64 `json:"accuracy" yaml:"accuracy"`
	Recall    float64 `json:"recall" yaml:"recall"`
	Precision float64 `json:"precision" yaml:"precision"`
}

func deriveLabel(c Counts) LabelReport {
	return LabelReport{
		Counts:    c,
		Accuracy:  100 * ratio(float64(c.TP+c.TN), float64(c.N)),
		Recall:    100 * ratio(float64(c.TP), float64(c.TP+c.FN)),
		Precision: 100 * ratio(float64(c.TP), float64(c.TP+c.FP)),
	}
}

// EvaluateLabels: 真值非空为正例；剔除全集外的测试 ID（记 error）后返回非空为判正。
// 未知需求记 warn 并跳过。
func EvaluateLabels(links map[string][]string, truth Truth, universe map[string]struct{}, source string, logger *diag.Logger) LabelReport {
	var c Counts
	for _, req := range sortedKeys(links) {
		expected, ok := truth.Expected(req)
		if !ok {
			if logger != nil {
				logger.Warn("eval", "lookup", "requirement missing from ground truth", req, map[string]string{"source": source})
			}
			continue
		}
		actual := toSet(links[req])
		var outliers []string
		for _, id := range sortedKeys(actual) {
			if _, in := universe[id]; !in {
				outliers = append(outliers, id)
				delete(actual, id)
			}
		}
		if len(outliers) > 0 && logger != nil {
			logger.ErrorWithKV("eval", string(diag.CodeInvariant), "test ids outside the universe", nil, req, map[string]string{
				"source": source,
				"ids":    strings.Join(outliers, ","),
			})
		}
		pos := len(expected) > 0
		labelled := len(actual) > 0
		c.N++
		switch {
		case pos && labelled:
			c.TP++
		case !pos && !labelled:
			c.TN++
		case !pos && labelled:
			c.FP++
		default:
			c.FN++
		}
	}
	return deriveLabel(c)
}

// SummarizeLabels 汇总多次运行的计数并重新计算百分比。
func SummarizeLabels(runs []LabelReport) LabelReport {
	var t Counts
	for _, r := range runs {
		t = t.Add(r.Counts)
	}
	return deriveLabel(t)
}

// String 以 key=value 行输出（用于 res.log）。
func (r LabelReport) String() string {
	return fmt.Sprintf("n=%d\ntp=%d\ntn=%d\nfp=%d\nfn=%d\naccuracy=%g%%\nrecall=%g%%\nprecision=%g%%\n",
		r.N, r.TP, r.TN, r.FP, r.FN, r.Accuracy, r.Recall, r.Precision)
}
