//go:build !poison

package poison

// ExitIfPoisoned samples a bernoulli to determine if the server should
// exit with code 3, or survive.
// (Only if poison is enabled)
func ExitIfPoisoned() {}
