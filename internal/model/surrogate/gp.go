// Package surrogate fits a Gaussian process to historical spend and KPI rows
// and uses its posterior mean as a response model. The surrogate has no
// analytic gradient, so the budget optimizer differentiates it numerically.
package surrogate

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/copyleftdev/budgetopt/internal/frame"
	"github.com/copyleftdev/budgetopt/internal/model/kernels"
	"github.com/copyleftdev/budgetopt/internal/optimization"
)

const (
	defaultNoiseVariance  = 1e-2
	defaultTuneIterations = 200
	maxJitterAttempts     = 10
)

// Config configures a GP fit
type Config struct {
	// Target is the KPI column of the history frame
	Target string
	// Features are the input columns; defaults to every other column
	Features []string
	// Kernel name, see kernels.New
	Kernel string
	// SignalVariance of the kernel on standardized targets; defaults to 1
	SignalVariance float64
	// LengthScales on standardized inputs, one shared or one per feature
	LengthScales []float64
	// NoiseVariance on standardized targets; defaults to 1e-2
	NoiseVariance float64
	// Tune maximizes the log marginal likelihood over the hyperparameters
	Tune           bool
	TuneIterations int
	Logger         *zap.Logger
}

// GP is a Gaussian process response surrogate
type GP struct {
	kernel   kernels.Kernel
	noiseVar float64
	features []string
	series   []string

	// standardization of inputs and target
	xMean, xStd []float64
	yMean, yStd float64

	X     *mat.Dense
	y     *mat.VecDense
	alpha *mat.VecDense
	L     *mat.Cholesky

	pool   *matrixPool
	logger *zap.Logger
}

// Fit fits a GP to every row of history with a finite target
func Fit(history *frame.Frame, cfg Config) (*GP, error) {
	const op = "surrogate.Fit"

	if history == nil {
		return nil, optimization.WrapError(errors.New("history frame is nil"), "gaussian_process: "+op)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	target := history.Column(cfg.Target)
	if target < 0 {
		return nil, optimization.WrapError(fmt.Errorf("%w: target %q", frame.ErrUnknownColumn, cfg.Target), "gaussian_process: "+op)
	}
	features := cfg.Features
	if len(features) == 0 {
		for _, c := range history.Columns() {
			if c != cfg.Target {
				features = append(features, c)
			}
		}
	}
	cols := make([]int, len(features))
	for i, c := range features {
		cols[i] = history.Column(c)
		if cols[i] < 0 || c == cfg.Target {
			return nil, optimization.WrapError(fmt.Errorf("%w: feature %q", frame.ErrUnknownColumn, c), "gaussian_process: "+op)
		}
	}
	if len(cols) == 0 {
		return nil, optimization.WrapError(errors.New("no feature columns"), "gaussian_process: "+op)
	}

	signalVar := cfg.SignalVariance
	if signalVar == 0 {
		signalVar = 1
	}
	kernel, err := kernels.New(cfg.Kernel, signalVar, cfg.LengthScales...)
	if err != nil {
		return nil, optimization.WrapError(err, "gaussian_process: "+op)
	}
	if n := len(kernel.Hyperparameters()) - 1; n != 1 && n != len(cols) {
		return nil, optimization.WrapError(fmt.Errorf("got %d length scales for %d features", n, len(cols)), "gaussian_process: "+op)
	}
	noiseVar := cfg.NoiseVariance
	if noiseVar == 0 {
		noiseVar = defaultNoiseVariance
	}
	if !(noiseVar > 0) {
		return nil, optimization.WrapError(fmt.Errorf("noise variance must be positive, got %v", noiseVar), "gaussian_process: "+op)
	}

	var rows []int
	n, _ := history.Dims()
	for i := 0; i < n; i++ {
		v := history.At(i, target)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		rows = append(rows, i)
	}
	if len(rows) < 2 {
		return nil, optimization.WrapError(fmt.Errorf("need at least 2 rows with a finite target, got %d", len(rows)), "gaussian_process: "+op)
	}

	gp := &GP{
		kernel:   kernel,
		noiseVar: noiseVar,
		features: append([]string(nil), features...),
		series:   panelSeries(history),
		pool:     newMatrixPool(),
		logger:   logger.Named("gaussian_process"),
	}
	gp.standardize(history, rows, cols, target)

	gp.logger.Debug("Fitting GP model",
		zap.Int("samples", len(rows)),
		zap.Int("features", len(cols)),
		zap.Float64("noise_var", gp.noiseVar),
	)

	if cfg.Tune {
		iters := cfg.TuneIterations
		if iters <= 0 {
			iters = defaultTuneIterations
		}
		if err := gp.tune(iters); err != nil {
			return nil, optimization.WrapError(err, "gaussian_process: "+op)
		}
	}
	if err := gp.factorize(); err != nil {
		return nil, optimization.WrapError(err, "gaussian_process: "+op)
	}

	gp.logger.Debug("Successfully fitted GP model",
		zap.Int("samples", len(rows)),
		zap.Float64s("hyperparameters", gp.kernel.Hyperparameters()),
		zap.Float64("log_marginal_likelihood", gp.LogMarginalLikelihood()),
	)
	return gp, nil
}

func panelSeries(f *frame.Frame) []string {
	if !f.IsPanel() {
		return nil
	}
	out := f.Series()
	sort.Strings(out)
	return out
}

func (gp *GP) standardize(history *frame.Frame, rows, cols []int, target int) {
	n, d := len(rows), len(cols)
	gp.X = mat.NewDense(n, d, nil)
	gp.xMean = make([]float64, d)
	gp.xStd = make([]float64, d)

	col := make([]float64, n)
	for j, c := range cols {
		for i, r := range rows {
			col[i] = history.At(r, c)
		}
		gp.xMean[j], gp.xStd[j] = meanStd(col)
		for i, v := range col {
			gp.X.Set(i, j, (v-gp.xMean[j])/gp.xStd[j])
		}
	}

	for i, r := range rows {
		col[i] = history.At(r, target)
	}
	gp.yMean, gp.yStd = meanStd(col)
	gp.y = mat.NewVecDense(n, nil)
	for i, v := range col {
		gp.y.SetVec(i, (v-gp.yMean)/gp.yStd)
	}
}

// meanStd returns the mean and the standard deviation, or 1 for a constant
func meanStd(x []float64) (float64, float64) {
	m, s := stat.MeanStdDev(x, nil)
	if !(s > 1e-12) {
		s = 1
	}
	return m, s
}

// kernelMatrix builds K(X, X) + noise·I
func (gp *GP) kernelMatrix() *mat.SymDense {
	n, _ := gp.X.Dims()
	K := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		xi := gp.X.RawRowView(i)
		K.SetSym(i, i, gp.kernel.Eval(xi, xi)+gp.noiseVar)
		for j := i + 1; j < n; j++ {
			K.SetSym(i, j, gp.kernel.Eval(xi, gp.X.RawRowView(j)))
		}
	}
	return K
}

// factorize computes the Cholesky factor of the kernel matrix, adding
// increasing jitter to the diagonal until it is positive definite
func (gp *GP) factorize() error {
	K := gp.kernelMatrix()
	n := K.SymmetricDim()

	jitter := 0.0
	for attempt := 0; attempt < maxJitterAttempts; attempt++ {
		if jitter > 0 {
			for i := 0; i < n; i++ {
				K.SetSym(i, i, K.At(i, i)+jitter)
			}
		}
		var chol mat.Cholesky
		if chol.Factorize(K) {
			alpha := mat.NewVecDense(n, nil)
			if err := chol.SolveVecTo(alpha, gp.y); err != nil {
				return fmt.Errorf("failed to solve linear system: %w", err)
			}
			gp.L = &chol
			gp.alpha = alpha
			if jitter > 0 {
				gp.logger.Debug("Added jitter for numerical stability", zap.Float64("jitter", jitter))
			}
			return nil
		}
		if jitter == 0 {
			jitter = 1e-10
		} else {
			jitter *= 10
		}
		gp.logger.Debug("Cholesky factorization failed, increasing jitter",
			zap.Int("attempt", attempt+1),
			zap.Float64("jitter", jitter))
	}
	return errors.New("Cholesky decomposition failed: matrix is not positive definite")
}

// LogMarginalLikelihood returns log p(y | X) of the standardized targets
func (gp *GP) LogMarginalLikelihood() float64 {
	if gp.L == nil {
		return math.Inf(-1)
	}
	n := float64(gp.y.Len())
	return -0.5*mat.Dot(gp.y, gp.alpha) - 0.5*gp.L.LogDet() - 0.5*n*math.Log(2*math.Pi)
}

// tune maximizes the log marginal likelihood over the log of the kernel
// hyperparameters and the noise variance
func (gp *GP) tune(iterations int) error {
	start := gp.kernel.Hyperparameters()
	theta := make([]float64, len(start)+1)
	for i, p := range start {
		theta[i] = math.Log(p)
	}
	theta[len(start)] = math.Log(gp.noiseVar)

	apply := func(theta []float64) error {
		params := make([]float64, len(start))
		for i := range params {
			params[i] = math.Exp(theta[i])
		}
		if err := gp.kernel.SetHyperparameters(params); err != nil {
			return err
		}
		gp.noiseVar = math.Exp(theta[len(start)])
		return gp.factorize()
	}

	problem := optimize.Problem{
		Func: func(theta []float64) float64 {
			for _, v := range theta {
				if math.Abs(v) > 20 {
					return math.MaxFloat64
				}
			}
			if err := apply(theta); err != nil {
				return math.MaxFloat64
			}
			return -gp.LogMarginalLikelihood()
		},
	}
	res, err := optimize.Minimize(problem, theta, &optimize.Settings{MajorIterations: iterations}, &optimize.NelderMead{})
	if err != nil && res == nil {
		return fmt.Errorf("hyperparameter search failed: %w", err)
	}
	best := theta
	if res != nil && res.F < math.MaxFloat64 {
		best = res.X
	}
	gp.logger.Debug("Tuned GP hyperparameters",
		zap.Int("iterations", iterations),
		zap.Float64s("log_params", best),
	)
	return apply(best)
}

// IsFitted reports whether the GP has a factorized kernel matrix
func (gp *GP) IsFitted() bool {
	return gp != nil && gp.alpha != nil && gp.L != nil
}

// Series returns the series of the history panel, or nil for a single series
func (gp *GP) Series() []string {
	return append([]string(nil), gp.series...)
}

// Features returns the input columns
func (gp *GP) Features() []string {
	return append([]string(nil), gp.features...)
}

// inputs returns the standardized feature rows of every series of X at
// every horizon period, series-major
func (gp *GP) inputs(X *frame.Frame, horizon frame.Horizon) (*mat.Dense, error) {
	cols := make([]int, len(gp.features))
	for i, c := range gp.features {
		cols[i] = X.Column(c)
		if cols[i] < 0 {
			return nil, fmt.Errorf("%w: %q", frame.ErrUnknownColumn, c)
		}
	}
	series := X.Series()
	out := gp.pool.get(len(series)*len(horizon), len(cols))
	i := 0
	for _, s := range series {
		for _, t := range horizon {
			key := frame.RowKey{Series: s, Period: t}
			r := X.Row(key)
			if r < 0 {
				gp.pool.put(out)
				return nil, fmt.Errorf("%w: %s", frame.ErrMissingPeriod, key)
			}
			for j, c := range cols {
				out.Set(i, j, (X.At(r, c)-gp.xMean[j])/gp.xStd[j])
			}
			i++
		}
	}
	return out, nil
}

// crossKernel returns K(Xs, X) using a pooled matrix
func (gp *GP) crossKernel(Xs *mat.Dense) *mat.Dense {
	nTest, _ := Xs.Dims()
	nTrain, _ := gp.X.Dims()
	Ks := gp.pool.get(nTest, nTrain)
	for i := 0; i < nTest; i++ {
		xs := Xs.RawRowView(i)
		for j := 0; j < nTrain; j++ {
			Ks.Set(i, j, gp.kernel.Eval(xs, gp.X.RawRowView(j)))
		}
	}
	return Ks
}

// Predict returns the posterior mean KPI for every series of X and every
// horizon period, series-major
func (gp *GP) Predict(X *frame.Frame, horizon frame.Horizon) ([]float64, error) {
	const op = "GP.Predict"

	if !gp.IsFitted() {
		return nil, optimization.WrapError(errors.New("model not trained"), "gaussian_process: "+op)
	}
	Xs, err := gp.inputs(X, horizon)
	if err != nil {
		return nil, optimization.WrapError(err, "gaussian_process: "+op)
	}
	defer gp.pool.put(Xs)
	Ks := gp.crossKernel(Xs)
	defer gp.pool.put(Ks)

	nTest, _ := Xs.Dims()
	mean := mat.NewVecDense(nTest, nil)
	mean.MulVec(Ks, gp.alpha)

	out := make([]float64, nTest)
	for i := range out {
		out[i] = gp.yMean + gp.yStd*mean.AtVec(i)
	}
	return out, nil
}

// Interval is a posterior credible band around the mean
type Interval struct {
	Lower []float64
	Mean  []float64
	Upper []float64
}

// PredictInterval returns the posterior mean with a two-sided credible band
// at the given level, for example 0.9
func (gp *GP) PredictInterval(X *frame.Frame, horizon frame.Horizon, level float64) (*Interval, error) {
	const op = "GP.PredictInterval"

	if !(level > 0 && level < 1) {
		return nil, optimization.WrapError(fmt.Errorf("level must be in (0, 1), got %v", level), "gaussian_process: "+op)
	}
	if !gp.IsFitted() {
		return nil, optimization.WrapError(errors.New("model not trained"), "gaussian_process: "+op)
	}
	Xs, err := gp.inputs(X, horizon)
	if err != nil {
		return nil, optimization.WrapError(err, "gaussian_process: "+op)
	}
	defer gp.pool.put(Xs)
	Ks := gp.crossKernel(Xs)
	defer gp.pool.put(Ks)

	nTest, _ := Xs.Dims()
	nTrain, _ := gp.X.Dims()

	mean := mat.NewVecDense(nTest, nil)
	mean.MulVec(Ks, gp.alpha)

	// v = K⁻¹ K*ᵀ, so diag(K* v) is the explained variance
	v := mat.NewDense(nTrain, nTest, nil)
	if err := gp.L.SolveTo(v, Ks.T()); err != nil {
		return nil, optimization.WrapError(fmt.Errorf("failed to solve linear system: %w", err), "gaussian_process: "+op)
	}

	z := distuv.UnitNormal.Quantile(0.5 + level/2)
	iv := &Interval{
		Lower: make([]float64, nTest),
		Mean:  make([]float64, nTest),
		Upper: make([]float64, nTest),
	}
	for i := 0; i < nTest; i++ {
		xs := Xs.RawRowView(i)
		explained := 0.0
		for j := 0; j < nTrain; j++ {
			explained += Ks.At(i, j) * v.At(j, i)
		}
		variance := gp.kernel.Eval(xs, xs) - explained
		if variance < 0 {
			if variance < -1e-8 {
				gp.logger.Warn("Negative variance detected, clamping to zero",
					zap.Float64("variance", variance),
					zap.Int("test_point", i),
				)
			}
			variance = 0
		}
		m := gp.yMean + gp.yStd*mean.AtVec(i)
		half := z * gp.yStd * math.Sqrt(variance)
		iv.Mean[i] = m
		iv.Lower[i] = m - half
		iv.Upper[i] = m + half
	}
	return iv, nil
}
