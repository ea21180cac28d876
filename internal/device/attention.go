package device

import (
	"math"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-t2t/internal/simd"
)

// Attention performs multi-head scaled dot product attention with an
// additive bias:
//
//	out_h = Softmax(Q_h·K_hᵀ/sqrt(d_h) + bias[h]) · V_h
//
// q is [B, Lq, d], k and v are [B, Lk, d]. bias is [heads, 1|B, Lq, Lk]; a
// batch axis of size 1 is broadcast. Heads are contiguous column blocks of d.
// (head, batch) pairs run in parallel.
func (a *Arena) Attention(q, k, v, bias *Tensor, heads int) *Tensor {
	if q.Order() != 3 || k.Order() != 3 || !k.SameShape(v) {
		log.Panic().Str("q", ShapeString(q.shape)).Str("k", ShapeString(k.shape)).Str("v", ShapeString(v.shape)).Msg("Attention: q, k, v must be [B, L, d]")
	}
	bs, lq, d := q.shape[0], q.shape[1], q.shape[2]
	lk := k.shape[1]
	if k.shape[0] != bs || k.shape[2] != d {
		log.Panic().Str("q", ShapeString(q.shape)).Str("k", ShapeString(k.shape)).Msg("Attention: batch or model dim mismatch")
	}
	if heads < 1 || d%heads != 0 {
		log.Panic().Int("heads", heads).Int("dim", d).Msg("Attention: model dim not divisible by head count")
	}
	if bias.Order() != 4 || bias.shape[0] != heads || (bias.shape[1] != 1 && bias.shape[1] != bs) ||
		bias.shape[2] != lq || bias.shape[3] != lk {
		log.Panic().Str("bias", ShapeString(bias.shape)).Int("heads", heads).Int("batch", bs).
			Int("query", lq).Int("key", lk).Msg("Attention: mask shape mismatch")
	}
	dh := d / heads
	bm := bias.shape[1]
	scale := float32(1 / math.Sqrt(float64(dh)))

	out := a.Tensor(bs, lq, d)
	probs := a.buffer(heads * bs * lq * lk)

	view := func(data []float32, b, h, rows int) blas32.General {
		return blas32.General{Rows: rows, Cols: dh, Stride: d, Data: data[b*rows*d+h*dh:]}
	}
	probView := func(h, b int) blas32.General {
		off := (h*bs + b) * lq * lk
		return blas32.General{Rows: lq, Cols: lk, Stride: lk, Data: probs[off : off+lq*lk]}
	}

	var g errgroup.Group
	g.SetLimit(numWorkers)
	for h := 0; h < heads; h++ {
		for b := 0; b < bs; b++ {
			g.Go(func() error {
				P := probView(h, b)
				blas32.Gemm(blas.NoTrans, blas.Trans, scale, view(q.data, b, h, lq), view(k.data, b, h, lk), 0, P)
				maskOff := (h*bm + b%bm) * lq * lk
				for i := 0; i < lq; i++ {
					row := P.Data[i*lk : (i+1)*lk]
					simd.VecAdd(row, bias.data[maskOff+i*lk:maskOff+(i+1)*lk])
					simd.Softmax(row)
				}
				blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, P, view(v.data, b, h, lk), 0, view(out.data, b, h, lq))
				return nil
			})
		}
	}
	_ = g.Wait()

	a.record(out, func() {
		gy := a.gradOf(out)
		var gq, gk, gv []float32
		if q.requiresGrad {
			gq = a.gradOf(q)
		}
		if k.requiresGrad {
			gk = a.gradOf(k)
		}
		if v.requiresGrad {
			gv = a.gradOf(v)
		}

		var g errgroup.Group
		g.SetLimit(numWorkers)
		for h := 0; h < heads; h++ {
			for b := 0; b < bs; b++ {
					g.Go(func() error {
					P := probView(h, b)
					dO := view(gy, b, h, lq)
					dS := blas32.General{Rows: lq, Cols: lk, Stride: lk, Data: make([]float32, lq*lk)}

					// dP = dO·Vᵀ
					blas32.Gemm(blas.NoTrans, blas.Trans, 1, dO, view(v.data, b, h, lk), 0, dS)
					if gv != nil {
						blas32.Gemm(blas.Trans, blas.NoTrans, 1, P, dO, 1, view(gv, b, h, lk))
					}
					// dS = P ∘ (dP - rowsum(dP ∘ P))
					for i := 0; i < lq; i++ {
						p := P.Data[i*lk : (i+1)*lk]
						ds := dS.Data[i*lk : (i+1)*lk]
						dot := simd.DotProduct(p, ds)
						for j := range ds {
							ds[j] = p[j] * (ds[j] - dot)
						}
					}
					if gq != nil {
						blas32.Gemm(blas.NoTrans, blas.NoTrans, scale, dS, view(k.data, b, h, lk), 1, view(gq, b, h, lq))
					}
					if gk != nil {
						blas32.Gemm(blas.Trans, blas.NoTrans, scale, dS, view(q.data, b, h, lq), 1, view(gk, b, h, lk))
					}
					return nil
				})
			}
		}
		_ = g.Wait()
	}, q, k, v)
	return out
}
