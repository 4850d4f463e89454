// Package subprocess runs the handful of host binaries the gateway shells
// out to (losetup, mkfs.ext4, mount, umount) with a uniform
// contract: never inherit a shell, always capture stdout/stderr, and turn
// a non-zero exit into a typed error.
package subprocess

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/codeinterp/gateway/internal/gatewayerr"
)

// Run invokes argv[0] with argv[1:] as positional arguments. It never goes
// through a shell, so none of the arguments are subject to shell expansion.
// When check is true, a non-zero exit returns a *gatewayerr.Error wrapping
// a *gatewayerr.SubprocessError carrying the exit code and decoded stderr.
func Run(ctx context.Context, check bool, argv ...string) (stdout, stderr []byte, err error) {
	if len(argv) == 0 {
		return nil, nil, gatewayerr.New(gatewayerr.KindInvariant, "subprocess.run", errEmptyArgv)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	stdout, stderr = outBuf.Bytes(), errBuf.Bytes()

	if runErr == nil {
		return stdout, stderr, nil
	}

	exitErr, ok := runErr.(*exec.ExitError)
	if !ok {
		// failed to even start (binary missing, permission denied, ...)
		return stdout, stderr, gatewayerr.New(gatewayerr.KindSubprocess, argv[0], runErr)
	}

	if !check {
		return stdout, stderr, nil
	}

	return stdout, stderr, gatewayerr.New(gatewayerr.KindSubprocess, argv[0], &gatewayerr.SubprocessError{
		Argv:     argv,
		ExitCode: exitErr.ExitCode(),
		Stderr:   string(stderr),
	})
}

var errEmptyArgv = argvError("subprocess: empty argv")

type argvError string

func (e argvError) Error() string { return string(e) }
