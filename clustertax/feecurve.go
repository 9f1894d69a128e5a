package clustertax

import "math"

// FeeCurveConfig parameterizes the progressive sigmoid fee curve:
// r(W) = r_min + (r_max-r_min)*sigma((W-w_mid)/steepness).
// All values are fixed-point, scaled by FixedScale (1e6), except WMid and
// Steepness which are raw picocredit amounts.
type FeeCurveConfig struct {
	RMin      uint64 // fixed-point fraction, FixedScale units
	RMax      uint64
	WMid      uint64
	Steepness uint64
}

// FixedScale is the fixed-point denominator used throughout the fee curve
// and cluster-factor outputs -- no floating point reaches this path at
// query time; the only float use is the one-time, input-independent LUT
// precomputation below, which produces byte-identical results on every
// node since it depends on nothing but compiled-in constants.
const FixedScale uint64 = 1_000_000

// DefaultFeeCurveConfig is a representative progressive schedule: minimum
// rate multiplier 1.0x, maximum 8.0x, midpoint at 10,000 BTH of attributed
// cluster wealth, steepness of 2,000 BTH.
func DefaultFeeCurveConfig() FeeCurveConfig {
	const bth = 1_000_000_000_000 // 1 BTH = 1e12 picocredits
	return FeeCurveConfig{
		RMin:      1_000_000,
		RMax:      8_000_000,
		WMid:      10_000 * bth,
		Steepness: 2_000 * bth,
	}
}

const lutHalfWidth = 8 // covers +/- 8 steepness-units, sigmoid saturates well before this
const lutSize = 2048   // samples across [-lutHalfWidth, lutHalfWidth]

// sigmoidLUT holds sigma(x) for x in [-lutHalfWidth, lutHalfWidth], fixed
// point scaled by FixedScale, precomputed once at process start. Every node
// computes the identical table from the identical formula, so this never
// introduces cross-node nondeterminism despite using float64 internally.
var sigmoidLUT = buildSigmoidLUT()

func buildSigmoidLUT() [lutSize + 1]uint64 {
	var table [lutSize + 1]uint64
	for i := 0; i <= lutSize; i++ {
		x := -float64(lutHalfWidth) + float64(2*lutHalfWidth)*float64(i)/float64(lutSize)
		sigma := 1.0 / (1.0 + expNeg(x))
		v := uint64(sigma * float64(FixedScale))
		if v > FixedScale {
			v = FixedScale
		}
		table[i] = v
	}
	return table
}

// expNeg computes e^-x. Only the LUT precomputation above ever calls this;
// every runtime query (ClusterFactor/sigmaAt) is pure integer arithmetic.
func expNeg(x float64) float64 {
	return math.Exp(-x)
}

// ClusterFactor returns r(W) as a FixedScale-scaled multiplier, via integer
// piecewise-linear interpolation of the precomputed sigmoid LUT. Monotone
// non-decreasing in W by construction: the LUT itself is monotone (sigma is
// monotone) and linear interpolation between monotone samples stays
// monotone.
func ClusterFactor(cfg FeeCurveConfig, w uint64) uint64 {
	sigma := sigmaAt(cfg, w)
	span := cfg.RMax - cfg.RMin
	bonus := mulDiv(span, sigma, FixedScale)
	return cfg.RMin + bonus
}

// sigmaAt evaluates the LUT at x=(w-w_mid)/steepness, clamped to the table
// domain and linearly interpolated between the two bracketing samples.
func sigmaAt(cfg FeeCurveConfig, w uint64) uint64 {
	if cfg.Steepness == 0 {
		if w >= cfg.WMid {
			return FixedScale
		}
		return 0
	}

	// diffScaled = (w - w_mid) * lutSize / (2*lutHalfWidth*steepness), done
	// in signed arithmetic since w may be below w_mid.
	var negative bool
	var diff uint64
	if w >= cfg.WMid {
		diff = w - cfg.WMid
	} else {
		diff = cfg.WMid - w
		negative = true
	}

	// Position within [0, lutSize] representing x in [0, lutHalfWidth] from
	// the midpoint (we then mirror if negative).
	halfSamples := uint64(lutSize / 2)
	den := cfg.Steepness * uint64(lutHalfWidth)
	pos := mulDiv(diff, halfSamples, den)
	rem := diff*halfSamples - pos*den // offset past sample pos, out of den

	var idx uint64
	if negative {
		if pos >= halfSamples {
			return sigmoidLUT[0]
		}
		idx = halfSamples - pos
		if rem > 0 {
			// x lies between samples idx-1 and idx.
			idx, rem = idx-1, den-rem
		}
	} else {
		idx = halfSamples + pos
		if idx >= lutSize {
			return sigmoidLUT[lutSize]
		}
	}
	return sigmoidLUT[idx] + mulDiv(sigmoidLUT[idx+1]-sigmoidLUT[idx], rem, den)
}
