// Command machosign is a thin front-end over the signer, settings and
// inspector packages: it performs no bundle walking, Info.plist or
// CodeResources generation, or certificate-store integration. Its only
// job is exercising the library's public surface end to end.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "machosign",
		Short:         "inspect and re-sign Mach-O code signatures",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newSignCmd(), newInspectCmd())
	return root
}
