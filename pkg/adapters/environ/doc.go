// Package environ provides execution environment provisioners.
//
// Implementations:
//   - local: executes instances on the host in per-instance scratch
//     directories, labelling each environment with its target identifier
package environ
