package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Nativu5/mlx5-probe/pkg/mlbench"
	"github.com/Nativu5/mlx5-probe/pkg/mldev"
	"github.com/Nativu5/mlx5-probe/pkg/mldev/softdev"
	"github.com/Nativu5/mlx5-probe/pkg/types"
)

// parseFileArg splits "model,input[,output]".
func parseFileArg(s string) (mlbench.File, error) {
	parts := strings.Split(s, ",")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return mlbench.File{}, types.Wrap(types.ErrInvalidArgument,
			fmt.Errorf("invalid --filelist entry %q: want model,input[,output]", s))
	}
	f := mlbench.File{Model: parts[0], Input: parts[1]}
	if len(parts) == 3 {
		f.Output = parts[2]
	}
	return f, nil
}

// newMLDevice returns the ML device the benchmark runs on.
var newMLDevice = func() mldev.Device {
	return softdev.New(softdev.DefaultInfo())
}

func newBenchCmd() *cobra.Command {
	var (
		config   string
		files    []string
		output   string
		cli      = mlbench.DefaultOptions()
		override = map[string]func(*mlbench.Options){}
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run an ML inference benchmark",
		Long:  "Run the inference_ordered or inference_interleave benchmark. Options come from --config and are overridden by explicitly set flags.",
		RunE: func(cmd *cobra.Command, args []string) error {
			opt := mlbench.DefaultOptions()
			if config != "" {
				var err error
				if opt, err = mlbench.LoadOptions(config); err != nil {
					return err
				}
			}
			cmd.Flags().Visit(func(f *pflag.Flag) {
				if apply, ok := override[f.Name]; ok {
					apply(&opt)
				}
			})
			if len(files) > 0 {
				opt.Filelist = opt.Filelist[:0]
				for _, s := range files {
					f, err := parseFileArg(s)
					if err != nil {
						return err
					}
					opt.Filelist = append(opt.Filelist, f)
				}
			}

			rep, err := mlbench.Run(&opt, newMLDevice())
			if err != nil {
				return err
			}
			if output == "json" {
				err = rep.PrintJSON(cmd.OutOrStdout())
			} else {
				err = rep.PrintTable(cmd.OutOrStdout())
			}
			if err != nil {
				return err
			}
			if !rep.Passed {
				return errChecksFailed
			}
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&config, "config", "", "YAML options file")
	fl.StringArrayVar(&files, "filelist", nil, "Model, input and optional output files as model,input[,output] (repeatable)")
	fl.StringVar(&output, "output", "table", "Output format (table|json)")

	fl.StringVar(&cli.Test, "test", cli.Test, "Test name ("+mlbench.TestInferenceOrdered+"|"+mlbench.TestInferenceInterleave+")")
	fl.Uint64Var(&cli.Repetitions, "repetitions", cli.Repetitions, "Number of inferences per model")
	fl.IntVar(&cli.QueuePairs, "queue-pairs", cli.QueuePairs, "Number of queue pairs")
	fl.IntVar(&cli.PoolSize, "pool-size", cli.PoolSize, "Op pool size")
	fl.IntVar(&cli.DeviceID, "dev-id", cli.DeviceID, "ML device id")
	fl.IntVar(&cli.SocketID, "socket-id", cli.SocketID, "Socket id")

	override["test"] = func(o *mlbench.Options) { o.Test = cli.Test }
	override["repetitions"] = func(o *mlbench.Options) { o.Repetitions = cli.Repetitions }
	override["queue-pairs"] = func(o *mlbench.Options) { o.QueuePairs = cli.QueuePairs }
	override["pool-size"] = func(o *mlbench.Options) { o.PoolSize = cli.PoolSize }
	override["dev-id"] = func(o *mlbench.Options) { o.DeviceID = cli.DeviceID }
	override["socket-id"] = func(o *mlbench.Options) { o.SocketID = cli.SocketID }
	return cmd
}
