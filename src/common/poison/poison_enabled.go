//go:build poison

package poison

import (
	"math/rand/v2"
	"os"
)

// PROBABILITY of crashing each time a request was applied but not yet
// answered. Builds with the poison tag exercise restart recovery.
const PROBABILITY = 0.01

func ExitIfPoisoned() {
	sample := rand.Float64()
	if sample > PROBABILITY {
		return
	}
	os.Exit(3) // Exit code for poisoned process
}
