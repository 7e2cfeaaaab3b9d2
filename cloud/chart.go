package cloud

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// stepColors are the series colors of the four steps, in step order.
var stepColors = []color.NRGBA{
	{0, 0, 139, 255},   // dark blue
	{34, 139, 34, 255}, // forest green
	{178, 34, 34, 255}, // firebrick
	{255, 140, 0, 255}, // dark orange
}

// StepColor returns the chart color of a criterion.
func StepColor(c FilterCriterion) color.NRGBA {
	i := c.StepIndex()
	if i < 0 || i >= len(stepColors) {
		return color.NRGBA{128, 128, 128, 255}
	}
	return stepColors[i]
}

// nrgbaToRGBA converts color.NRGBA to premultiplied color.RGBA as canvas
// expects.
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	alpha32 := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * alpha32) / 255),
		G: uint8((uint32(c.G) * alpha32) / 255),
		B: uint8((uint32(c.B) * alpha32) / 255),
		A: c.A,
	}
}

// ChartRenderer draws the per-iteration trace of each step. Every series is
// scaled to its own maximum so above-target counts and RMS values share one
// plot area.
type ChartRenderer struct {
	Results    []*RunResult
	Width      float64 // plot width in millimeters
	Height     float64 // plot height in millimeters
	Padding    float64
	Resolution canvas.Resolution // PNG resolution (default 150 DPI)
}

// NewChartRenderer creates a chart with default geometry.
func NewChartRenderer(results []*RunResult) *ChartRenderer {
	return &ChartRenderer{
		Results:    results,
		Width:      160,
		Height:     90,
		Padding:    10,
		Resolution: canvas.DPI(150),
	}
}

// SetResolution sets the PNG resolution in dots per inch. Non-positive
// values keep the current resolution.
func (r *ChartRenderer) SetResolution(dpi float64) {
	if dpi > 0 {
		r.Resolution = canvas.DPI(dpi)
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers.
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

func (r *ChartRenderer) size() (float64, float64) {
	return r.Width + 2*r.Padding, r.Height + 2*r.Padding
}

// RenderToSVG writes the chart as SVG.
func (r *ChartRenderer) RenderToSVG(w io.Writer) error {
	width, height := r.size()
	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer)
	return svgRenderer.Close()
}

// RenderToPNG writes the chart as PNG.
func (r *ChartRenderer) RenderToPNG(w io.Writer) error {
	width, height := r.size()
	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast)
	return png.Encode(w, rast)
}

// maxIterations is the longest history among the results.
func (r *ChartRenderer) maxIterations() int {
	n := 0
	for _, res := range r.Results {
		if len(res.Series()) > n {
			n = len(res.Series())
		}
	}
	return n
}

func (r *ChartRenderer) renderToCanvas(renderer canvasRenderer) {
	width, height := r.size()

	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	axisStyle := canvas.DefaultStyle
	axisStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	axisStyle.Stroke = canvas.Paint{Color: canvas.Black}
	axisStyle.StrokeWidth = 0.4
	axes := &canvas.Path{}
	axes.MoveTo(r.Padding, r.Padding+r.Height)
	axes.LineTo(r.Padding, r.Padding)
	axes.LineTo(r.Padding+r.Width, r.Padding)
	renderer.RenderPath(axes, axisStyle, canvas.Identity)

	n := r.maxIterations()
	if n == 0 {
		return
	}

	gridStyle := canvas.DefaultStyle
	gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	gridStyle.Stroke = canvas.Paint{Color: canvas.Gray}
	gridStyle.StrokeWidth = 0.2
	for i := 1; i <= n; i++ {
		x := r.xFor(i, n)
		tick := &canvas.Path{}
		tick.MoveTo(x, r.Padding)
		tick.LineTo(x, r.Padding+r.Height)
		renderer.RenderPath(tick, gridStyle, canvas.Identity)
	}

	for _, res := range r.Results {
		series := res.Series()
		if len(series) == 0 {
			continue
		}
		top := 0.0
		for _, v := range series {
			if v > top {
				top = v
			}
		}
		if top == 0 {
			top = 1
		}

		lineStyle := canvas.DefaultStyle
		lineStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		lineStyle.Stroke = canvas.Paint{Color: nrgbaToRGBA(StepColor(res.Criterion))}
		lineStyle.StrokeWidth = 0.6

		dotStyle := canvas.DefaultStyle
		dotStyle.Fill = canvas.Paint{Color: nrgbaToRGBA(StepColor(res.Criterion))}
		dotStyle.Stroke = canvas.Paint{Color: canvas.Transparent}

		line := &canvas.Path{}
		for i, v := range series {
			x := r.xFor(i+1, n)
			y := r.Padding + v/top*r.Height
			if i == 0 {
				line.MoveTo(x, y)
			} else {
				line.LineTo(x, y)
			}
			renderer.RenderPath(canvas.Circle(0.8).Translate(x, y), dotStyle, canvas.Identity)
		}
		if len(series) > 1 {
			renderer.RenderPath(line, lineStyle, canvas.Identity)
		}
	}
}

// xFor maps iteration i (1-based) of n onto the x axis.
func (r *ChartRenderer) xFor(i, n int) float64 {
	if n <= 1 {
		return r.Padding + r.Width/2
	}
	return r.Padding + float64(i-1)/float64(n-1)*r.Width
}

// RenderSummaryCard draws a small raster card listing each step's outcome
// next to its chart color.
func RenderSummaryCard(chunk string, results []*RunResult) *image.RGBA {
	width := 420
	height := 30 + 18*len(results) + 10
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.White)
		}
	}

	drawText(img, 10, 18, "Chunk: "+chunk, color.RGBA{0, 0, 0, 255})

	y := 40
	for _, res := range results {
		c := StepColor(res.Criterion)
		for dy := 0; dy < 12; dy++ {
			for dx := 0; dx < 12; dx++ {
				img.Set(10+dx, y+dy-10, c)
			}
		}
		line := fmt.Sprintf("Step %d %-14s %3d it  %d -> %d pts",
			res.Criterion.StepIndex()+1, res.Status, res.Iterations, res.Points.Before, res.Points.After)
		drawText(img, 28, y, line, color.RGBA{0, 0, 0, 255})
		y += 18
	}
	return img
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// WriteSummaryCard encodes the summary card as PNG.
func WriteSummaryCard(w io.Writer, chunk string, results []*RunResult) error {
	return png.Encode(w, RenderSummaryCard(chunk, results))
}
