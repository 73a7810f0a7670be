package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-go-golems/svcctl/pkg/service"
	"github.com/go-go-golems/svcctl/pkg/state"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	var stderr bool
	var tail int
	var follow bool

	cmd := &cobra.Command{
		Use:   "logs <name>",
		Short: "Print the stdout (or stderr) log of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			descs, err := loadDescriptors(opts)
			if err != nil {
				return err
			}
			var desc *service.Descriptor
			for i := range descs {
				if descs[i].Name == args[0] {
					desc = &descs[i]
				}
			}
			if desc == nil {
				return &service.UnknownServiceError{Name: args[0]}
			}

			path := desc.StdoutLog
			if stderr {
				path = desc.StderrLog
			}
			if path == "" {
				return errors.Errorf("service %q does not redirect its output", desc.Name)
			}

			lines, err := state.TailLines(path, tail, 0)
			if err != nil {
				return err
			}
			for _, line := range lines {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			if !follow {
				return nil
			}
			return followFile(cmd.Context(), path, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&stderr, "stderr", false, "Show the stderr log instead of stdout")
	cmd.Flags().IntVarP(&tail, "tail", "n", 50, "Number of trailing lines to print")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing appended output")
	return cmd
}

// followFile copies data appended to path until ctx ends. A truncated file
// (service restarted) is read again from the start.
func followFile(ctx context.Context, path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open log")
	}
	defer func() { _ = f.Close() }()

	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return errors.Wrap(err, "seek log")
	}
	t := time.NewTicker(250 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		info, err := f.Stat()
		if err != nil {
			return errors.Wrap(err, "stat log")
		}
		if info.Size() < offset {
			offset = 0
		}
		if info.Size() == offset {
			continue
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return errors.Wrap(err, "seek log")
		}
		n, err := io.Copy(w, f)
		offset += n
		if err != nil {
			return errors.Wrap(err, "copy log")
		}
	}
}
