package detections

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
	"golang.org/x/sys/cpu"
)

var useParallel = cpu.X86.HasAVX2 || cpu.ARM64.HasASIMD

var padColor = color.NRGBA{R: 114, G: 114, B: 114, A: 255}

// letterbox maps model input pixels back to the original image: the image was
// scaled by ratio and offset by (padX, padY) inside the square input.
type letterbox struct {
	ratio        float32
	padX, padY   float32
	origW, origH int
}

func newLetterbox(origW, origH, size int) letterbox {
	ratio := min(float64(size)/float64(origW), float64(size)/float64(origH))
	return letterbox{
		ratio: float32(ratio),
		padX:  float32((float64(size) - float64(origW)*ratio) / 2),
		padY:  float32((float64(size) - float64(origH)*ratio) / 2),
		origW: origW,
		origH: origH,
	}
}

// scaled is the size of the resized image before padding.
func (l letterbox) scaled() (w, h int) {
	r := float64(l.ratio)
	return max(1, int(math.Round(float64(l.origW)*r))), max(1, int(math.Round(float64(l.origH)*r)))
}

// Preprocessor letterboxes an image into the square model input, padding with
// gray, and writes it as planar CHW float32 in [0,1].
type Preprocessor struct {
	size       int
	numWorkers int
}

func NewPreprocessor(size int) *Preprocessor {
	workers := 1
	if useParallel {
		workers = min(runtime.GOMAXPROCS(0), size)
	}
	return &Preprocessor{size: size, numWorkers: workers}
}

func (p *Preprocessor) Process(img image.Image, dst []float32) (letterbox, error) {
	if want := 3 * p.size * p.size; len(dst) != want {
		return letterbox{}, fmt.Errorf("input buffer length: got %d, want %d", len(dst), want)
	}

	b := img.Bounds()
	lb := newLetterbox(b.Dx(), b.Dy(), p.size)
	w, h := lb.scaled()

	canvas := imaging.New(p.size, p.size, padColor)
	left := int(math.Round(float64(lb.padX) - 0.1))
	top := int(math.Round(float64(lb.padY) - 0.1))
	canvas = imaging.Paste(canvas, imaging.Resize(img, w, h, imaging.Linear), image.Pt(left, top))

	if p.numWorkers <= 1 {
		p.processRows(canvas, dst, 0, p.size)
		return lb, nil
	}
	p.processParallel(canvas, dst)
	return lb, nil
}

func (p *Preprocessor) processParallel(img *image.NRGBA, dst []float32) {
	rowsPerWorker := p.size / p.numWorkers

	var wg sync.WaitGroup
	wg.Add(p.numWorkers)

	for w := 0; w < p.numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == p.numWorkers-1 {
			endRow = p.size
		}

		go func(start, end int) {
			defer wg.Done()
			p.processRows(img, dst, start, end)
		}(startRow, endRow)
	}

	wg.Wait()
}

func (p *Preprocessor) processRows(img *image.NRGBA, dst []float32, start, end int) {
	channelSize := p.size * p.size
	for y := start; y < end; y++ {
		row := img.Pix[y*img.Stride:]
		offset := y * p.size
		for x := 0; x < p.size; x++ {
			i := offset + x
			px := row[x*4 : x*4+3]
			dst[i] = float32(px[0]) / 255.0
			dst[channelSize+i] = float32(px[1]) / 255.0
			dst[channelSize*2+i] = float32(px[2]) / 255.0
		}
	}
}
