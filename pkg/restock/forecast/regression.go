package forecast

import (
	"fmt"
	"math"

	"github.com/elevated-systems/restock-gardener/pkg/restock/config"
	"github.com/elevated-systems/restock-gardener/pkg/restock/types"
)

// intercept, lag1, rolling mean, rolling std, holiday, Monday..Saturday (Sunday is the baseline)
const numRegressionFeatures = 11

// Regression fits a ridge least-squares model over calendar, lag and rolling
// features. The intercept is not penalized.
type Regression struct {
	Lambda float64
}

// RegressionModel holds fitted ridge coefficients
type RegressionModel struct {
	Coefficients []float64 `json:"coefficients"`
}

var _ Algorithm = &Regression{}
var _ Model = &RegressionModel{}

func (r *Regression) Name() string { return config.AlgorithmRegression }

// Fit solves (X'X + λD)β = X'y where D is the identity without the intercept term
func (r *Regression) Fit(rows []types.FeatureRow) (Model, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rows to fit")
	}

	p := numRegressionFeatures
	xtx := make([][]float64, p)
	for i := range xtx {
		xtx[i] = make([]float64, p)
	}
	xty := make([]float64, p)

	for _, row := range rows {
		if row.Realized == nil {
			return nil, fmt.Errorf("row %s has no realized quantity", types.FormatDay(row.Date))
		}
		x := regressionFeatures(row)
		y := *row.Realized
		for i := 0; i < p; i++ {
			xty[i] += x[i] * y
			for j := 0; j < p; j++ {
				xtx[i][j] += x[i] * x[j]
			}
		}
	}

	for i := 1; i < p; i++ {
		xtx[i][i] += r.Lambda
	}

	beta, err := solve(xtx, xty)
	if err != nil {
		return nil, err
	}
	return &RegressionModel{Coefficients: beta}, nil
}

func (m *RegressionModel) Algorithm() string { return config.AlgorithmRegression }

func (m *RegressionModel) Predict(row types.FeatureRow) float64 {
	x := regressionFeatures(row)
	var y float64
	for i, b := range m.Coefficients {
		y += b * x[i]
	}
	return y
}

func regressionFeatures(row types.FeatureRow) []float64 {
	x := make([]float64, numRegressionFeatures)
	x[0] = 1
	x[1] = row.Lag1
	x[2] = row.RollingMean
	x[3] = row.RollingStd
	if row.IsHoliday {
		x[4] = 1
	}
	if row.DayOfWeek >= 1 && row.DayOfWeek <= 6 {
		x[4+row.DayOfWeek] = 1
	}
	return x
}

// solve performs Gaussian elimination with partial pivoting on a copy of a
func solve(a [][]float64, b []float64) ([]float64, error) {
	n := len(b)
	m := make([][]float64, n)
	for i := range a {
		m[i] = make([]float64, n+1)
		copy(m[i], a[i])
		m[i][n] = b[i]
	}

	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(m[r][col]) > math.Abs(m[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(m[pivot][col]) < 1e-12 {
			return nil, fmt.Errorf("singular design matrix at column %d", col)
		}
		m[col], m[pivot] = m[pivot], m[col]

		for r := col + 1; r < n; r++ {
			f := m[r][col] / m[col][col]
			for c := col; c <= n; c++ {
				m[r][c] -= f * m[col][c]
			}
		}
	}

	x := make([]float64, n)
	for r := n - 1; r >= 0; r-- {
		sum := m[r][n]
		for c := r + 1; c < n; c++ {
			sum -= m[r][c] * x[c]
		}
		x[r] = sum / m[r][r]
	}
	return x, nil
}
