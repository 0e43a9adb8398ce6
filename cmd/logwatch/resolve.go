package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tripwire/logwatch/internal/resolve"
)

func newResolveCmd() *cobra.Command {
	var (
		include []string
		exclude []string
		dirs    bool
		explain bool
	)
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Print the absolute paths matched by include minus exclude",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(include) == 0 {
				return fmt.Errorf("at least one --include pattern is required")
			}
			kind := resolve.File
			if dirs {
				kind = resolve.Dir
			}
			r := resolve.New(newLogger("warn"))
			out := cmd.OutOrStdout()
			if !explain {
				for _, p := range r.Set(include, exclude, kind) {
					fmt.Fprintln(out, p)
				}
				return nil
			}
			for _, p := range r.Resolve(include, kind) {
				if by := excludedBy(exclude, p); by != "" {
					fmt.Fprintf(out, "%s\texcluded by %s\n", p, by)
					continue
				}
				fmt.Fprintf(out, "%s\tincluded\n", p)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&include, "include", "i", nil, "glob pattern to include (repeatable)")
	cmd.Flags().StringArrayVarP(&exclude, "exclude", "e", nil, "glob pattern to exclude (repeatable)")
	cmd.Flags().BoolVar(&dirs, "dirs", false, "match directories instead of regular files")
	cmd.Flags().BoolVar(&explain, "explain", false, "list every included path with the exclude pattern that removed it, if any")
	return cmd
}

// excludedBy returns the first exclude pattern matching path, or "".
func excludedBy(exclude []string, path string) string {
	for _, p := range exclude {
		if resolve.Match([]string{p}, path) {
			return p
		}
	}
	return ""
}
