// File: cmd/bootmend/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/xkilldash9x/bootmend/api/schemas"
	"github.com/xkilldash9x/bootmend/cmd"
	"github.com/xkilldash9x/bootmend/internal/observability"
)

const panicLogFile = "panic.log"

// Function variables swapped in tests.
var (
	osWriteFile = os.WriteFile
	osExit      = os.Exit
)

func main() {
	defer handlePanic()

	// Cancellation lets the executor finish the in-flight step and roll back
	// before the process exits.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		osExit(exitCode(err))
	}
}

// exitCode maps a command error onto the process exit status.
func exitCode(err error) int {
	if errors.Is(err, context.Canceled) || errors.Is(err, schemas.KindCancelled) {
		return 130
	}
	return 1
}

// handlePanic records a crash to panic.log so a failed recovery session
// leaves evidence behind.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	observability.Sync()

	panicMessage := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
	if err := osWriteFile(panicLogFile, []byte(panicMessage), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: Failed to write panic log: %v\n", err)
		fmt.Fprintf(os.Stderr, "Panic details:\n%s\n", panicMessage)
		osExit(2)
		return
	}
	fmt.Fprintf(os.Stderr, "\nbootmend crashed. Details logged to %s\n", panicLogFile)
	fmt.Fprintln(os.Stderr, "Checkpoints taken so far are kept; run `bootmend checkpoints list` to inspect them.")
	osExit(2)
}
