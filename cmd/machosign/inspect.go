package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/appsworld/machosign/pkg/inspector"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <path>",
		Short: "report a Mach-O's signing geometry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}

			view, fat, err := inspector.Parse(data)
			if err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}
			if fat != nil {
				fmt.Printf("%s: fat, %d slice(s)\n", path, len(fat.Slices))
				for i, s := range fat.Slices {
					fmt.Printf("  [%d] %s offset=%d size=%d\n", i, s.Arch.CPU, s.Offset, s.Size)
					describeSlice(s.View)
				}
				return nil
			}
			fmt.Printf("%s: thin\n", path)
			describeSlice(view)
			return nil
		},
	}
	return cmd
}

func describeSlice(v *inspector.View) {
	last := inspector.LastSegment(v)
	if last == nil || last.Name != "__LINKEDIT" {
		fmt.Println("    __LINKEDIT is not the final segment; cannot be re-signed in place")
		return
	}
	loc, ok := inspector.FindSignature(v)
	if !ok {
		fmt.Println("    no code signature load command")
		return
	}
	fmt.Printf("    signature: %d bytes at file offset %d\n", loc.SignatureEndOffset-loc.SignatureStartOffset, loc.LinkeditSignatureStartOffset)
	if loc.SignatureEndOffset != int64(len(loc.LinkeditSegmentData)) {
		fmt.Println("    warning: trailing bytes follow the signature within __LINKEDIT")
	}
}
