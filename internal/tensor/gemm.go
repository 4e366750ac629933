package tensor

import "runtime"

// The training loops spend nearly all of their time in the three GEMM
// variants below (forward projections, input-gradient and weight-gradient
// products). Work is parallelised across ranges of output rows on a shared
// worker pool so repeated calls do not spawn goroutines.

type gemmTask struct {
	run    func(rs, re int)
	rs, re int
	done   chan struct{}
}

type gemmPool struct {
	size      int
	tasks     chan gemmTask
	doneSlots chan chan struct{}
}

func newGemmPool() *gemmPool {
	size := runtime.GOMAXPROCS(0)
	if size < 1 {
		size = 1
	}
	p := &gemmPool{
		size:      size,
		tasks:     make(chan gemmTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for i := 0; i < size; i++ {
		p.doneSlots <- make(chan struct{}, 1)
	}
	for w := 0; w < size; w++ {
		go func() {
			for task := range p.tasks {
				task.run(task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

var gemmWorkPool = newGemmPool()

// parallelRows splits [0, rows) across the pool and blocks until every
// range has been processed.
func parallelRows(rows int, run func(rs, re int)) {
	workers := gemmWorkPool.size
	if workers > rows {
		workers = rows
	}
	if workers <= 1 {
		run(0, rows)
		return
	}

	chunk := (rows + workers - 1) / workers

	done := <-gemmWorkPool.doneSlots
	issued := 0
	for w := 0; w < workers; w++ {
		rs := w * chunk
		if rs >= rows {
			break
		}
		re := rs + chunk
		if re > rows {
			re = rows
		}
		gemmWorkPool.tasks <- gemmTask{run: run, rs: rs, re: re, done: done}
		issued++
	}
	for i := 0; i < issued; i++ {
		<-done
	}
	gemmWorkPool.doneSlots <- done
}

// Gemm computes C = A * B.
func Gemm(C, A, B *Mat) {
	if A.C != B.R || C.R != A.R || C.C != B.C {
		panic("gemm: dimension mismatch")
	}
	if C.R == 0 || C.C == 0 {
		return
	}
	parallelRows(C.R, func(rs, re int) {
		for i := rs; i < re; i++ {
			cRow := C.Row(i)
			clear(cRow)
			aRow := A.Row(i)
			for k := 0; k < A.C; k++ {
				Axpy(cRow, aRow[k], B.Row(k))
			}
		}
	})
}

// GemmNT computes C = A * B^T.
func GemmNT(C, A, B *Mat) {
	if A.C != B.C || C.R != A.R || C.C != B.R {
		panic("gemm_nt: dimension mismatch")
	}
	if C.R == 0 || C.C == 0 {
		return
	}
	parallelRows(C.R, func(rs, re int) {
		for i := rs; i < re; i++ {
			cRow := C.Row(i)
			aRow := A.Row(i)
			for j := 0; j < B.R; j++ {
				cRow[j] = Dot(aRow, B.Row(j))
			}
		}
	})
}

// GemmTNAcc computes C += A^T * B. A is [K x M], B is [K x N], C is [M x N].
// The accumulating form is what weight-gradient computation wants.
func GemmTNAcc(C, A, B *Mat) {
	if A.R != B.R || C.R != A.C || C.C != B.C {
		panic("gemm_tn: dimension mismatch")
	}
	if C.R == 0 || C.C == 0 {
		return
	}
	parallelRows(C.R, func(rs, re int) {
		for k := 0; k < A.R; k++ {
			aRow := A.Row(k)
			bRow := B.Row(k)
			for i := rs; i < re; i++ {
				if a := aRow[i]; a != 0 {
					Axpy(C.Row(i), a, bRow)
				}
			}
		}
	})
}
