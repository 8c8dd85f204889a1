package surrogate

import (
	"sync"

	"gonum.org/v1/gonum/mat"
)

// matrixPool keeps dense matrices between predictions. The optimizer
// predicts the same horizon many times, so the test input and cross kernel
// matrices have the same dimensions on every call.
type matrixPool struct {
	mu    sync.Mutex
	dense []*mat.Dense
}

func newMatrixPool() *matrixPool {
	return &matrixPool{dense: make([]*mat.Dense, 0, 4)}
}

// get returns an r x c matrix from the pool or a new one. Its contents are
// undefined.
func (p *matrixPool) get(r, c int) *mat.Dense {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, m := range p.dense {
		if mr, mc := m.Dims(); mr == r && mc == c {
			last := len(p.dense) - 1
			p.dense[i] = p.dense[last]
			p.dense = p.dense[:last]
			return m
		}
	}
	return mat.NewDense(r, c, nil)
}

// put returns m to the pool
func (p *matrixPool) put(m *mat.Dense) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.dense) < cap(p.dense) {
		p.dense = append(p.dense, m)
	}
}
