// Package figure provides the "plt" capability module: a registry of open
// figures that evaluated code draws into and saves as images.
//
// Figures are per-task state. The executor resets the registry after every
// evaluation, so a figure opened by one task is never visible to the next.
package figure

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/caffeineduck/warmer/hostfunc"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// ErrNoFigure is returned by operations that need an open figure.
var ErrNoFigure = errors.New("no open figure")

var saveFormats = map[string]bool{".png": true, ".svg": true, ".pdf": true, ".jpg": true, ".jpeg": true}

// SeriesKind selects how a series is drawn.
type SeriesKind string

const (
	Line    SeriesKind = "line"
	Scatter SeriesKind = "scatter"
)

// Series is one data set on a figure.
type Series struct {
	Kind  SeriesKind
	Label string
	XS    []float64
	YS    []float64
}

// Figure is an open figure.
type Figure struct {
	Num    int
	Title  string
	XLabel string
	YLabel string
	Series []Series
}

// Option configures a Registry.
type Option func(*Registry)

// WithSize sets the rendered image size.
func WithSize(width, height vg.Length) Option {
	return func(r *Registry) {
		r.width, r.height = width, height
	}
}

// Registry tracks open figures and the current one.
type Registry struct {
	mu        sync.Mutex
	figures   map[int]*Figure
	current   int
	next      int
	outputDir string
	width     vg.Length
	height    vg.Length
}

// New creates an empty registry that saves images under outputDir.
// An empty outputDir disables savefig.
func New(outputDir string, opts ...Option) *Registry {
	r := &Registry{
		figures:   make(map[int]*Figure),
		next:      1,
		outputDir: outputDir,
		width:     6 * vg.Inch,
		height:    4 * vg.Inch,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Module exposes the registry as the "plt" capability module.
func (r *Registry) Module() *hostfunc.Module {
	text := []string{"text"}
	series := []string{"xs", "ys", "label"}
	return &hostfunc.Module{
		Name:    "plt",
		Version: "1",
		Bindings: []hostfunc.Binding{
			{Name: "figure", Params: []string{"title"}, Fn: r.figureFn},
			{Name: "title", Params: text, Fn: r.labelFn(func(f *Figure, s string) { f.Title = s })},
			{Name: "xlabel", Params: text, Fn: r.labelFn(func(f *Figure, s string) { f.XLabel = s })},
			{Name: "ylabel", Params: text, Fn: r.labelFn(func(f *Figure, s string) { f.YLabel = s })},
			{Name: "plot", Params: series, Fn: r.seriesFn(Line)},
			{Name: "scatter", Params: series, Fn: r.seriesFn(Scatter)},
			{Name: "savefig", Params: []string{"name"}, Fn: r.savefigFn},
			{Name: "close", Params: []string{"which"}, Fn: r.closeFn},
			{Name: "figures", Fn: func(ctx context.Context, args map[string]any) (any, error) {
				return r.Open(), nil
			}},
		},
		Reset: func() error {
			r.CloseAll()
			return nil
		},
	}
}

// NewFigure opens a figure and makes it current.
func (r *Registry) NewFigure(title string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.newFigureLocked(title).Num
}

func (r *Registry) newFigureLocked(title string) *Figure {
	f := &Figure{Num: r.next, Title: title}
	r.figures[f.Num] = f
	r.current = f.Num
	r.next++
	return f
}

// currentLocked returns the current figure, opening one when none is open.
func (r *Registry) currentLocked() *Figure {
	if f, ok := r.figures[r.current]; ok {
		return f
	}
	return r.newFigureLocked("")
}

// Open returns the numbers of the open figures in ascending order.
func (r *Registry) Open() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	nums := make([]int, 0, len(r.figures))
	for n := range r.figures {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// Close closes one figure. Closing an unknown figure is a no-op.
func (r *Registry) Close(num int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.figures, num)
	if r.current == num {
		r.current = 0
		for n := range r.figures {
			if n > r.current {
				r.current = n
			}
		}
	}
}

// CloseAll closes every figure and restarts numbering.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.figures = make(map[int]*Figure)
	r.current = 0
	r.next = 1
}

// Save renders the current figure to name inside the output directory and
// returns the written path.
func (r *Registry) Save(name string) (string, error) {
	if r.outputDir == "" {
		return "", errors.New("savefig: no outputs directory configured")
	}
	if name == "" || filepath.Base(name) != name || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("savefig: invalid file name %q", name)
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !saveFormats[ext] {
		return "", fmt.Errorf("savefig: unsupported format %q", ext)
	}

	r.mu.Lock()
	f, ok := r.figures[r.current]
	if !ok {
		r.mu.Unlock()
		return "", ErrNoFigure
	}
	p, err := render(f)
	width, height := r.width, r.height
	r.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("savefig: %w", err)
	}

	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("savefig: %w", err)
	}
	path := filepath.Join(r.outputDir, name)
	if err := p.Save(width, height, path); err != nil {
		return "", fmt.Errorf("savefig: %w", err)
	}
	return path, nil
}

func render(f *Figure) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = f.Title
	p.X.Label.Text = f.XLabel
	p.Y.Label.Text = f.YLabel

	for i, s := range f.Series {
		pts := make(plotter.XYs, len(s.XS))
		for j := range s.XS {
			pts[j].X = s.XS[j]
			pts[j].Y = s.YS[j]
		}

		switch s.Kind {
		case Scatter:
			sc, err := plotter.NewScatter(pts)
			if err != nil {
				return nil, err
			}
			sc.GlyphStyle.Color = plotutil.Color(i)
			p.Add(sc)
			if s.Label != "" {
				p.Legend.Add(s.Label, sc)
			}
		default:
			l, err := plotter.NewLine(pts)
			if err != nil {
				return nil, err
			}
			l.LineStyle.Color = plotutil.Color(i)
			p.Add(l)
			if s.Label != "" {
				p.Legend.Add(s.Label, l)
			}
		}
	}
	return p, nil
}

func (r *Registry) figureFn(ctx context.Context, args map[string]any) (any, error) {
	title, err := hostfunc.String(args, "title", "")
	if err != nil {
		return nil, err
	}
	return r.NewFigure(title), nil
}

func (r *Registry) labelFn(set func(*Figure, string)) hostfunc.Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		text, err := hostfunc.String(args, "text", "")
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		set(r.currentLocked(), text)
		r.mu.Unlock()
		return nil, nil
	}
}

func (r *Registry) seriesFn(kind SeriesKind) hostfunc.Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		xs, err := hostfunc.Floats(args["xs"])
		if err != nil {
			return nil, fmt.Errorf("xs: %w", err)
		}
		ys, err := hostfunc.Floats(args["ys"])
		if err != nil {
			return nil, fmt.Errorf("ys: %w", err)
		}
		if len(xs) != len(ys) {
			return nil, fmt.Errorf("xs and ys differ in length: %d vs %d", len(xs), len(ys))
		}
		label, err := hostfunc.String(args, "label", "")
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		f := r.currentLocked()
		f.Series = append(f.Series, Series{Kind: kind, Label: label, XS: xs, YS: ys})
		return f.Num, nil
	}
}

func (r *Registry) savefigFn(ctx context.Context, args map[string]any) (any, error) {
	name, err := hostfunc.String(args, "name", "")
	if err != nil {
		return nil, err
	}
	return r.Save(name)
}

func (r *Registry) closeFn(ctx context.Context, args map[string]any) (any, error) {
	switch which := args["which"].(type) {
	case nil:
		r.mu.Lock()
		num := r.current
		r.mu.Unlock()
		r.Close(num)
	case string:
		if which != "all" {
			return nil, fmt.Errorf("close: unknown target %q", which)
		}
		r.CloseAll()
	default:
		num, err := hostfunc.Int(which)
		if err != nil {
			return nil, fmt.Errorf("close: %w", err)
		}
		r.Close(num)
	}
	return nil, nil
}
