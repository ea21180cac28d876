package train

import (
	"github.com/23skdu/longbow-t2t/internal/device"
)

// LabelSmooth returns gold*(1-p) + p/V where V is the size of the last axis.
func LabelSmooth(a *device.Arena, gold *device.Tensor, p float32) *device.Tensor {
	if p == 0 {
		return gold
	}
	out := a.Tensor(gold.Shape()...)
	u := p / float32(gold.Dim(-1))
	dst := out.Data()
	for i, g := range gold.Data() {
		dst[i] = g*(1-p) + u
	}
	return out
}

// PadOutput zeroes the rows of output and gold at padded positions. padding
// holds one entry per row, 1 for real tokens and 0 for padding.
func PadOutput(a *device.Arena, output, gold, padding *device.Tensor) (*device.Tensor, *device.Tensor) {
	w := padding.Data()
	out := a.MulRows(output, w)

	g := a.Tensor(gold.Shape()...)
	c := gold.Dim(-1)
	src, dst := gold.Data(), g.Data()
	for r, keep := range w {
		if keep != 0 {
			copy(dst[r*c:(r+1)*c], src[r*c:(r+1)*c])
		}
	}
	return out, g
}

// RescaleOutput divides gold by the number of real tokens so the loss is a
// per-token mean.
func RescaleOutput(a *device.Arena, gold, padding *device.Tensor) *device.Tensor {
	var count float32
	for _, v := range padding.Data() {
		count += v
	}
	if count == 0 {
		return gold
	}
	out := a.Tensor(gold.Shape()...)
	dst := out.Data()
	for i, g := range gold.Data() {
		dst[i] = g / count
	}
	return out
}

// goldLogProb sums the log probability of each gold id over real positions
// of row r.
func goldLogProb(logp *device.Tensor, gold []int, padding *device.Tensor, r, width int) (float64, int) {
	v := logp.Dim(-1)
	data, pad := logp.Data(), padding.Data()
	var lp float64
	words := 0
	for j := 0; j < width; j++ {
		i := r*width + j
		if pad[i] == 0 {
			continue
		}
		lp += float64(data[i*v+gold[i]])
		words++
	}
	return lp, words
}
