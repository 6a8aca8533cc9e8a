// Package stats provides the "stats" capability module: descriptive
// statistics over numeric arrays, backed by gonum.
package stats

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/caffeineduck/warmer/hostfunc"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var errEmpty = errors.New("values must not be empty")

// Module returns the stats capability module. It holds no state.
func Module() *hostfunc.Module {
	values := []string{"values"}
	return &hostfunc.Module{
		Name:    "stats",
		Version: "1",
		Bindings: []hostfunc.Binding{
			{Name: "sum", Params: values, Fn: reduce(floats.Sum, true)},
			{Name: "mean", Params: values, Fn: reduce(func(xs []float64) float64 { return stat.Mean(xs, nil) }, false)},
			{Name: "median", Params: values, Fn: reduce(median, false)},
			{Name: "std", Params: values, Fn: reduce(func(xs []float64) float64 { return stat.StdDev(xs, nil) }, false)},
			{Name: "variance", Params: values, Fn: reduce(func(xs []float64) float64 { return stat.Variance(xs, nil) }, false)},
			{Name: "min", Params: values, Fn: reduce(floats.Min, false)},
			{Name: "max", Params: values, Fn: reduce(floats.Max, false)},
			{Name: "quantile", Params: []string{"values", "p"}, Fn: quantile},
			{Name: "corr", Params: []string{"xs", "ys"}, Fn: corr},
			{Name: "linspace", Params: []string{"start", "stop", "n"}, Fn: linspace},
		},
	}
}

// reduce adapts a slice reduction to a host function.
func reduce(fn func([]float64) float64, allowEmpty bool) hostfunc.Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		xs, err := hostfunc.Floats(args["values"])
		if err != nil {
			return nil, fmt.Errorf("values: %w", err)
		}
		if len(xs) == 0 && !allowEmpty {
			return nil, errEmpty
		}
		return fn(xs), nil
	}
}

func median(xs []float64) float64 {
	sort.Float64s(xs)
	n := len(xs)
	if n%2 == 1 {
		return xs[n/2]
	}
	return (xs[n/2-1] + xs[n/2]) / 2
}

func quantile(ctx context.Context, args map[string]any) (any, error) {
	xs, err := hostfunc.Floats(args["values"])
	if err != nil {
		return nil, fmt.Errorf("values: %w", err)
	}
	if len(xs) == 0 {
		return nil, errEmpty
	}
	p, err := hostfunc.Float(args["p"])
	if err != nil {
		return nil, fmt.Errorf("p: %w", err)
	}
	if p < 0 || p > 1 {
		return nil, fmt.Errorf("p must be in [0, 1], got %v", p)
	}
	sort.Float64s(xs)
	return stat.Quantile(p, stat.LinInterp, xs, nil), nil
}

func corr(ctx context.Context, args map[string]any) (any, error) {
	xs, err := hostfunc.Floats(args["xs"])
	if err != nil {
		return nil, fmt.Errorf("xs: %w", err)
	}
	ys, err := hostfunc.Floats(args["ys"])
	if err != nil {
		return nil, fmt.Errorf("ys: %w", err)
	}
	if len(xs) != len(ys) {
		return nil, fmt.Errorf("length mismatch: %d vs %d", len(xs), len(ys))
	}
	if len(xs) < 2 {
		return nil, errors.New("need at least two points")
	}
	return stat.Correlation(xs, ys, nil), nil
}

func linspace(ctx context.Context, args map[string]any) (any, error) {
	start, err := hostfunc.Float(args["start"])
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	stop, err := hostfunc.Float(args["stop"])
	if err != nil {
		return nil, fmt.Errorf("stop: %w", err)
	}
	n, err := hostfunc.Int(args["n"])
	if err != nil {
		return nil, fmt.Errorf("n: %w", err)
	}
	if n < 2 || n > 1_000_000 {
		return nil, fmt.Errorf("n must be in [2, 1000000], got %d", n)
	}
	if math.IsNaN(start) || math.IsNaN(stop) {
		return nil, errors.New("bounds must be numbers")
	}
	return floats.Span(make([]float64, n), start, stop), nil
}
