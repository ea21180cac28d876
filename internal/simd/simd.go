package simd

import "math"

// Softmax applies a numerically stable softmax in-place to a row.
// Masked entries (large finite negative bias) underflow to exactly zero.
func Softmax(row []float32) {
	if len(row) == 0 {
		return
	}
	max := row[0]
	for _, v := range row {
		if v > max {
			max = v
		}
	}

	var sum float64
	for i, v := range row {
		e := math.Exp(float64(v - max))
		row[i] = float32(e)
		sum += e
	}

	inv := float32(1.0 / sum)
	for i := range row {
		row[i] *= inv
	}
}

// LogSoftmax writes log(softmax(src)) into dst. dst and src may alias.
func LogSoftmax(dst, src []float32) {
	if len(src) == 0 {
		return
	}
	max := src[0]
	for _, v := range src {
		if v > max {
			max = v
		}
	}
	var sum float64
	for _, v := range src {
		sum += math.Exp(float64(v - max))
	}
	lse := max + float32(math.Log(sum))
	for i, v := range src {
		dst[i] = v - lse
	}
}

// VecAdd performs dst += src
func VecAdd(dst, src []float32) {
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// VecAddScaled performs dst += src * scale
func VecAddScaled(dst, src []float32, scale float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// VecMul performs dst *= src element-wise
func VecMul(dst, src []float32) {
	for i := range dst {
		dst[i] *= src[i]
	}
}

// VecScale performs dst *= scale
func VecScale(dst []float32, scale float32) {
	for i := range dst {
		dst[i] *= scale
	}
}

// DotProduct computes the dot product of two vectors
func DotProduct(a, b []float32) float32 {
	var sum float32
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// Sum returns the sum of all elements, accumulated in float64.
func Sum(a []float32) float64 {
	var s float64
	for _, v := range a {
		s += float64(v)
	}
	return s
}

// Zero clears a slice.
func Zero(a []float32) {
	for i := range a {
		a[i] = 0
	}
}
