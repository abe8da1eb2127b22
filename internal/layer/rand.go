package layer

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Layer weights are drawn from a single deterministic source so repeated runs
// construct identical networks.
var initSrc = rand.NewSource(42)

// newNormal returns a zero-mean Gaussian with the given standard deviation
// backed by the shared deterministic source.
func newNormal(sigma float64) distuv.Normal {
	return distuv.Normal{Mu: 0, Sigma: sigma, Src: initSrc}
}
