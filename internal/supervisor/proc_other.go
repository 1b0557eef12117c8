//go:build !unix

package supervisor

import "os/exec"

// configureProcessGroup falls back to killing only the direct child.
func configureProcessGroup(cmd *exec.Cmd) {}
