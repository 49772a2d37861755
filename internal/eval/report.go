package eval

import (
	"sort"

	"github.com/Test-Scouts/LLM-Req-Traceability/internal/stats"
)

// RunReport: 单次运行的评估工件（写在运行目录 eval.{ext}）。
type RunReport struct {
	Prevalence      float64 `json:"prevalence" yaml:"prevalence"`
	ConfusionMatrix `yaml:",inline"`
}

// PairFrequency: 某 (需求, 测试) 链接在全部运行中被判为 TP/FP 的次数。
type PairFrequency struct {
	Req  string `json:"req" yaml:"req"`
	Test string `json:"test" yaml:"test"`
	TP   int    `json:"tp" yaml:"tp"`
	FP   int    `json:"fp" yaml:"fp"`
}

// Aggregate: 同一会话（后端/模型）全部运行的汇总报告。
type Aggregate struct {
	Session          string           `json:"session" yaml:"session"`
	Runs             int              `json:"runs" yaml:"runs"`
	Prevalence       float64          `json:"prevalence" yaml:"prevalence"`
	N                stats.Statistics `json:"all_n" yaml:"all_n"`
	TP               stats.Statistics `json:"all_tp" yaml:"all_tp"`
	TN               stats.Statistics `json:"all_tn" yaml:"all_tn"`
	FP               stats.Statistics `json:"all_fp" yaml:"all_fp"`
	FN               stats.Statistics `json:"all_fn" yaml:"all_fn"`
	Accuracy         stats.Statistics `json:"all_accuracy" yaml:"all_accuracy"`
	BalancedAccuracy stats.Statistics `json:"all_balanced_accuracy" yaml:"all_balanced_accuracy"`
	F1               stats.Statistics `json:"all_f1" yaml:"all_f1"`
	Recall           stats.Statistics `json:"all_recall" yaml:"all_recall"`
	Precision        stats.Statistics `json:"all_precision" yaml:"all_precision"`
	Specificity      stats.Statistics `json:"all_specificity" yaml:"all_specificity"`
	Frequency        []PairFrequency  `json:"frequency" yaml:"frequency"`
}

// Summarize 汇总多次运行：描述统计（按运行顺序的总体）+ 数据集患病率 + TP/FP 频次表。
func Summarize(session string, runs []Evaluation) Aggregate {
	agg := Aggregate{Session: session, Runs: len(runs)}
	cols := make(map[string][]float64, 11)
	counts := make([]Counts, 0, len(runs))
	freq := map[Pair]*PairFrequency{}
	bump := func(p Pair) *PairFrequency {
		f, ok := freq[p]
		if !ok {
			f = &PairFrequency{Req: p.Req, Test: p.Test}
			freq[p] = f
		}
		return f
	}
	for _, ev := range runs {
		m := ev.Matrix
		counts = append(counts, m.Counts)
		cols["n"] = append(cols["n"], float64(m.N))
		cols["tp"] = append(cols["tp"], float64(m.TP))
		cols["tn"] = append(cols["tn"], float64(m.TN))
		cols["fp"] = append(cols["fp"], float64(m.FP))
		cols["fn"] = append(cols["fn"], float64(m.FN))
		cols["accuracy"] = append(cols["accuracy"], m.Accuracy)
		cols["balanced_accuracy"] = append(cols["balanced_accuracy"], m.BalancedAccuracy)
		cols["f1"] = append(cols["f1"], m.F1)
		cols["recall"] = append(cols["recall"], m.Recall)
		cols["precision"] = append(cols["precision"], m.Precision)
		cols["specificity"] = append(cols["specificity"], m.Specificity)
		for _, p := range ev.TP {
			bump(p).TP++
		}
		for _, p := range ev.FP {
			bump(p).FP++
		}
	}
	st := func(k string) stats.Statistics { return stats.Compute("all_"+k, cols[k]) }
	agg.Prevalence = Prevalence(counts...)
	agg.N, agg.TP, agg.TN, agg.FP, agg.FN = st("n"), st("tp"), st("tn"), st("fp"), st("fn")
	agg.Accuracy = st("accuracy")
	agg.BalancedAccuracy = st("balanced_accuracy")
	agg.F1 = st("f1")
	agg.Recall = st("recall")
	agg.Precision = st("precision")
	agg.Specificity = st("specificity")

	agg.Frequency = make([]PairFrequency, 0, len(freq))
	for _, f := range freq {
		agg.Frequency = append(agg.Frequency, *f)
	}
	sort.Slice(agg.Frequency, func(i, j int) bool {
		a, b := agg.Frequency[i], agg.Frequency[j]
		if a.Req != b.Req {
			return a.Req < b.Req
		}
		return a.Test < b.Test
	})
	return agg
}
