// Package stats 计算数值总体的描述统计快照。
package stats

import (
	"math"
	"sort"
)

// Statistics: 数值总体的不可变快照。
// 总体为空时所有派生字段为 nil；总体只有 1 个元素时四分位为 nil。
type Statistics struct {
	Name       string    `json:"name" yaml:"name"`
	Population []float64 `json:"population" yaml:"population"`
	Size       int       `json:"size" yaml:"size"`
	Total      *float64  `json:"total" yaml:"total"`
	Min        *float64  `json:"min" yaml:"min"`
	Q1         *float64  `json:"q1" yaml:"q1"`
	Median     *float64  `json:"median" yaml:"median"`
	Q3         *float64  `json:"q3" yaml:"q3"`
	Max        *float64  `json:"max" yaml:"max"`
	Mean       *float64  `json:"mean" yaml:"mean"`
	SD         *float64  `json:"sd" yaml:"sd"`
}

// Compute 基于 population 的拷贝计算统计量。
// 标准差为总体标准差（除以 N）。
// 中位数/四分位规则：偶数个元素时两半各含一个中心元素；奇数个元素时两半均不含中点。
func Compute(name string, population []float64) Statistics {
	pop := append([]float64{}, population...)
	s := Statistics{Name: name, Population: pop, Size: len(pop)}
	if len(pop) == 0 {
		return s
	}
	sorted := append([]float64(nil), pop...)
	sort.Float64s(sorted)

	total := 0.0
	for _, x := range pop {
		total += x
	}
	mean := total / float64(len(pop))
	sq := 0.0
	for _, x := range pop {
		sq += (x - mean) * (x - mean)
	}
	sd := math.Sqrt(sq / float64(len(pop)))

	s.Total = ptr(total)
	s.Min = ptr(sorted[0])
	s.Max = ptr(sorted[len(sorted)-1])
	s.Mean = ptr(mean)
	s.SD = ptr(sd)

	median, lower, upper := split(sorted)
	s.Median = ptr(median)
	if len(lower) == 0 {
		return s
	}
	q1, _, _ := split(lower)
	q3, _, _ := split(upper)
	s.Q1 = ptr(q1)
	s.Q3 = ptr(q3)
	return s
}

// Ints 将整数总体转换为浮点总体。
func Ints(xs []int) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = float64(x)
	}
	return out
}

// split 返回有序切片的中位数与上下两半（要求非空）。
func split(sorted []float64) (median float64, lower, upper []float64) {
	n := len(sorted)
	if n%2 == 0 {
		mid := n/2 - 1
		return (sorted[mid] + sorted[mid+1]) / 2, sorted[:mid+1], sorted[mid+1:]
	}
	mid := n / 2
	return sorted[mid], sorted[:mid], sorted[mid+1:]
}

func ptr(v float64) *float64 { return &v }
