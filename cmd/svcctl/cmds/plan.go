package cmds

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan [name]",
		Short: "Print the resolved services in dependency order",
		Long:  "Print the resolved services in dependency order. With a name, only that service and what it depends on.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			descs, err := loadDescriptors(opts)
			if err != nil {
				return err
			}
			reg, err := newRegistry(opts, descs, nil)
			if err != nil {
				return err
			}
			order, err := reg.OrderFor(targetName(args))
			if err != nil {
				return err
			}

			byName := map[string]any{}
			for _, d := range descs {
				byName[d.Name] = d
			}
			services := make([]any, 0, len(order))
			for _, name := range order {
				services = append(services, byName[name])
			}

			b, err := json.MarshalIndent(map[string]any{
				"order":    order,
				"services": services,
			}, "", "  ")
			if err != nil {
				return errors.Wrap(err, "marshal plan")
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}
}
