package cmd

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"clinic-flow/internal/services"

	"github.com/spf13/cobra"
)

// newRoutesCommand exposes the route map to operators without going through
// the admin HTTP routes.
func newRoutesCommand(resolver *services.RouteResolver) *cobra.Command {
	command := &cobra.Command{
		Use:   "routes",
		Short: "Inspect or replace the event route map",
	}

	command.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print the current route map",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			snapshot, err := resolver.GetRouteMap(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !snapshot.Found() {
				fmt.Fprintln(out, "no route map stored, every route key is unknown")
				return nil
			}

			routes := snapshot.Routes()
			keys := make([]string, 0, len(routes))
			for key := range routes {
				keys = append(keys, key)
			}
			sort.Strings(keys)

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ROUTE\tEVENT\tHANDLER")
			for _, key := range keys {
				fmt.Fprintf(w, "%s\t%s\t%s\n", key, routes[key].Event, routes[key].Handler)
			}
			return w.Flush()
		},
	})

	command.AddCommand(&cobra.Command{
		Use:   "set <file>",
		Short: "Replace the route map with a JSON or YAML document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			routes, found, err := services.NewFileRouteSource(args[0]).Load(cmd.Context())
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("route map file %s not found", args[0])
			}

			if err := resolver.SetRouteMap(cmd.Context(), routes); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %d routes\n", len(routes))
			return nil
		},
	})

	return command
}
