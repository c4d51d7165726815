package pipeline

import "math"

// singularEpsilon is the smallest pivot accepted as non-zero.
const singularEpsilon = 1e-9

// solveLinear solves a x = b for square a by Gaussian elimination with
// partial pivoting. ok is false when the system is singular. a and b are
// not modified.
func solveLinear(a [][]float64, b []float64) (x []float64, ok bool) {
	n := len(b)
	if len(a) != n {
		return nil, false
	}
	m := make([][]float64, n)
	for i := range a {
		if len(a[i]) != n {
			return nil, false
		}
		m[i] = append(append(make([]float64, 0, n+1), a[i]...), b[i])
	}

	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(m[r][col]) > math.Abs(m[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(m[pivot][col]) < singularEpsilon {
			return nil, false
		}
		m[col], m[pivot] = m[pivot], m[col]

		for r := col + 1; r < n; r++ {
			f := m[r][col] / m[col][col]
			for c := col; c <= n; c++ {
				m[r][c] -= f * m[col][c]
			}
		}
	}

	x = make([]float64, n)
	for r := n - 1; r >= 0; r-- {
		sum := m[r][n]
		for c := r + 1; c < n; c++ {
			sum -= m[r][c] * x[c]
		}
		x[r] = sum / m[r][r]
	}
	return x, true
}

// combinations calls fn with every k-subset of [0, n) in lexicographic
// order until fn returns true.
func combinations(n, k int, fn func(idx []int) bool) {
	if k <= 0 || k > n {
		return
	}
	idx := make([]int, k)
	for i := range idx {
		idx[i] = i
	}
	for {
		if fn(append([]int(nil), idx...)) {
			return
		}
		i := k - 1
		for i >= 0 && idx[i] == n-k+i {
			i--
		}
		if i < 0 {
			return
		}
		idx[i]++
		for j := i + 1; j < k; j++ {
			idx[j] = idx[j-1] + 1
		}
	}
}
