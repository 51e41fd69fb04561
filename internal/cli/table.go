package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/ede/internal/canif"
)

// TableOptions holds flags for the table command.
type TableOptions struct {
	*RootOptions
	Dispatcher string // optional - one dispatcher only
}

// DispatcherTable is the handle table of one dispatcher.
type DispatcherTable struct {
	Dispatcher string             `json:"dispatcher" yaml:"dispatcher"`
	Strategy   string             `json:"strategy" yaml:"strategy"`
	Entries    []canif.TableEntry `json:"entries" yaml:"entries"`
}

// NewTableCommand creates the table command.
func NewTableCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TableOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "table <network.cue>",
		Short: "Print the handle tables of a node",
		Long: `Print the handle table of every dispatcher: which event kind and
handle resolves to which registered source.

Entries are ordered by kind and handle, the order a binary search map
searches them in. The default text format is YAML.

Examples:
  ede table ./body.cue
  ede table ./body.cue --dispatcher rx --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTable(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Dispatcher, "dispatcher", "", "print only this dispatcher's table")

	return cmd
}

func runTable(opts *TableOptions, path string, cmd *cobra.Command) error {
	net, err := loadNetwork(path)
	if err != nil {
		return err
	}
	st, err := buildNode(net, opts.logger(opts.formatter(cmd).GetErrWriter()))
	if err != nil {
		return WrapExitError(ExitFailure, "failed to build node", err)
	}

	var tables []DispatcherTable
	for di, d := range net.Dispatchers {
		if opts.Dispatcher != "" && d.Name != opts.Dispatcher {
			continue
		}
		tables = append(tables, DispatcherTable{
			Dispatcher: d.Name,
			Strategy:   string(d.HandleMap),
			Entries:    st.Table(di),
		})
	}
	if len(tables) == 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown dispatcher %q", opts.Dispatcher))
	}

	if opts.Format == "json" {
		return opts.formatter(cmd).Success(tables)
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(tables); err != nil {
		return fmt.Errorf("encode tables: %w", err)
	}
	return enc.Close()
}
