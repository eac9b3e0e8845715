package constraint

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/muonbs/internal/config"
	"github.com/banshee-data/muonbs/internal/event"
	"github.com/banshee-data/muonbs/internal/refpoint"
)

// KalmanConfig holds the numerical limits of the constrained fit.
type KalmanConfig struct {
	MaxChi2       float64 // Constraint chi2 above which the fit is rejected
	MaxIterations int     // Relinearisation passes before giving up
	Tolerance     float64 // |Δphi| (radians) that counts as converged
	MinVariance   float64 // Smallest projected reference variance accepted (cm²)
}

// DefaultKalmanConfig returns the production fit limits.
func DefaultKalmanConfig() KalmanConfig {
	return KalmanConfigFromProducer(config.EmptyProducerConfig())
}

// KalmanConfigFromProducer derives fit limits from a loaded ProducerConfig.
func KalmanConfigFromProducer(cfg *config.ProducerConfig) KalmanConfig {
	return KalmanConfig{
		MaxChi2:       cfg.GetFitMaxChi2(),
		MaxIterations: cfg.GetFitMaxIterations(),
		Tolerance:     cfg.GetFitTolerance(),
		MinVariance:   cfg.GetFitMinVariance(),
	}
}

// KalmanConstraint is the production constrained single-track fit.
//
// State x = (q/pt, phi, dxy) with covariance C from the track. The
// measurement is the straight-line transverse impact parameter relative to
// the reference point P,
//
//	h(x) = dxy + Px·sin(phi) − Py·cos(phi),   target 0,
//
// with variance R = nᵀ·Σxy·n for the transverse normal n = (−sin, cos).
// The update is iterated, relinearising h about the latest estimate, until
// phi moves by less than Tolerance.
type KalmanConstraint struct {
	Config KalmanConfig
}

// NewKalmanConstraint returns a fit service with the given limits.
func NewKalmanConstraint(cfg KalmanConfig) *KalmanConstraint {
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = 1
	}
	return &KalmanConstraint{Config: cfg}
}

// Constrain implements Service.
func (k *KalmanConstraint) Constrain(track *event.Track, ref refpoint.ReferencePoint) (Result, error) {
	if track == nil {
		return Result{}, ErrNilTrack
	}
	x0 := mat.NewVecDense(event.NumTrackPars, []float64{track.QOverPt(), track.Phi, track.Dxy})
	C := track.Covariance()
	px, py := ref.Position.X, ref.Position.Y
	sxx, sxy, syy := ref.TransverseCovariance()

	x := mat.VecDenseCopyOf(x0)
	var (
		ch       mat.VecDense // C·Hᵀ
		s        float64      // innovation variance
		chi2     float64
		diff     mat.VecDense
		next     mat.VecDense
		iter     int
		complete bool
	)
	for iter = 0; iter < k.Config.MaxIterations; iter++ {
		sin, cos := math.Sincos(x.AtVec(event.ParPhi))

		r := sin*sin*sxx - 2*sin*cos*sxy + cos*cos*syy
		if !(r > k.Config.MinVariance) {
			return Result{}, ErrDegenerateReference
		}

		h := mat.NewVecDense(event.NumTrackPars, []float64{0, px*cos + py*sin, 1})
		ch.MulVec(C, h)
		s = mat.Dot(h, &ch) + r
		if !(s > 0) || math.IsInf(s, 0) {
			return Result{}, ErrSingular
		}

		// Iterated EKF residual: z − h(xᵢ) − H·(x₀ − xᵢ), z = 0.
		predicted := x.AtVec(event.ParDxy) + px*sin - py*cos
		diff.SubVec(x0, x)
		residual := -predicted - mat.Dot(h, &diff)
		chi2 = residual * residual / s

		next.AddScaledVec(x0, residual/s, &ch)
		delta := math.Abs(next.AtVec(event.ParPhi) - x.AtVec(event.ParPhi))
		x.CopyVec(&next)
		if delta < k.Config.Tolerance {
			complete = true
			break
		}
	}
	if !complete {
		return Result{}, fmt.Errorf("%w after %d iterations", ErrNotConverged, iter)
	}
	if chi2 > k.Config.MaxChi2 {
		return Result{}, fmt.Errorf("%w: %.3g > %.3g", ErrChi2, chi2, k.Config.MaxChi2)
	}

	// C' = C − (C·Hᵀ)(C·Hᵀ)ᵀ / S
	var cov mat.SymDense
	cov.SymRankOne(C, -1/s, &ch)

	qOverPt := x.AtVec(event.ParQOverPt)
	if qOverPt == 0 || math.IsNaN(qOverPt) || math.IsInf(qOverPt, 0) {
		return Result{}, ErrSingular
	}
	pt := 1 / math.Abs(qOverPt)
	sigmaK := math.Sqrt(math.Max(cov.At(event.ParQOverPt, event.ParQOverPt), 0))

	refit := *track
	refit.Charge = 1
	if qOverPt < 0 {
		refit.Charge = -1
	}
	refit.Pt = pt
	refit.PtErr = sigmaK * pt * pt
	refit.Phi = x.AtVec(event.ParPhi)
	refit.PhiErr = math.Sqrt(math.Max(cov.At(event.ParPhi, event.ParPhi), 0))
	refit.Dxy = x.AtVec(event.ParDxy)
	refit.DxyErr = math.Sqrt(math.Max(cov.At(event.ParDxy, event.ParDxy), 0))
	refit.Cov = &cov

	return Result{Track: &refit, Chi2: chi2}, nil
}
