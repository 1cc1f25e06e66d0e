// Package vecmath implements similarity arithmetic over embedding vectors:
// cosine similarity clamped to [-1,1], and a dot-product fast path for the
// common case where vectors are already unit-normalized (cosine == dot
// product).
//
// CPU feature detection runs behind a klauspost/cpuid capability check,
// surfaced through Capabilities() for the `doctor` CLI verb, but the
// similarity math itself is portable Go rather than dispatching to
// unverified native call stubs.
package vecmath

import (
	"math"

	"github.com/klauspost/cpuid/v2"
)

// Capabilities reports the CPU feature set relevant to vectorized
// similarity search, informational only.
type Capabilities struct {
	AVX2 bool
	FMA3 bool
	AVX  bool
}

// DetectCapabilities probes the running CPU once; cheap enough to call
// per-process at startup.
func DetectCapabilities() Capabilities {
	return Capabilities{
		AVX2: cpuid.CPU.Supports(cpuid.AVX2),
		FMA3: cpuid.CPU.Supports(cpuid.FMA3),
		AVX:  cpuid.CPU.Supports(cpuid.AVX),
	}
}

// Dot computes the plain dot product of two equal-length vectors. Returns
// 0 for mismatched or empty inputs.
func Dot(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Norm computes the Euclidean norm of a vector.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize returns a new unit-norm copy of v. A zero vector is returned
// unchanged rather than producing NaNs.
func Normalize(v []float32) []float32 {
	n := Norm(v)
	if n == 0 {
		return append([]float32(nil), v...)
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}

// Cosine computes cosine similarity clamped to [-1,1]. If either input is
// empty, returns 0 — callers treat that as "no signal" rather than an
// error.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	na, nb := Norm(a), Norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	c := Dot(a, b) / (na * nb)
	if c > 1 {
		return 1
	}
	if c < -1 {
		return -1
	}
	return c
}
