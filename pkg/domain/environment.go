package domain

import "context"

// Variables the environment exposes to commands and actions.
const (
	// EnvOS carries the target descriptor the environment was provisioned
	// for.
	EnvOS = "CHECKRUN_OS"
	// EnvWorkdir carries the instance's scratch directory.
	EnvWorkdir = "CHECKRUN_WORKDIR"
	// EnvCacheHit is set to "1" when the provisioning cache had an entry
	// for the instance, so provisioning actions can skip redundant work.
	EnvCacheHit = "CHECKRUN_CACHE_HIT"
)

// Environment is a provisioned execution target for one job instance. All
// step invocations of an instance run against the same environment; steps
// are strictly sequential, so implementations need not be safe for
// concurrent use.
type Environment interface {
	// Descriptor returns the target identifier the environment was
	// provisioned for, e.g. "ubuntu-latest".
	Descriptor() string

	// Setenv sets a variable visible to subsequent commands and actions.
	Setenv(key, value string)

	// RunCommand executes a raw command line and returns its combined
	// output and exit code. A non-zero exit code is not an error; err is
	// reserved for failures to execute at all.
	RunCommand(ctx context.Context, line string) (output string, exitCode int, err error)

	// InvokeAction invokes a named capability such as "checkout" or
	// "toolchain" with its parameters.
	InvokeAction(ctx context.Context, name string, params map[string]string) (output string, exitCode int, err error)

	// Close releases the environment and its resources.
	Close() error
}
