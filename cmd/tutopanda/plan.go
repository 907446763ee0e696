package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keremk/tutopanda-sub001/internal/plan"
)

func newPlanCommand(flags *globalFlags) *cobra.Command {
	var blueprintPath, inputsPath, movieID string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Compile the blueprint and inputs into an execution plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(flags, blueprintPath, inputsPath)
			if err != nil {
				return err
			}
			defer a.logger.Sync()

			baseHash, err := a.baseManifestHash(cmd, movieID)
			if err != nil {
				return err
			}
			p, err := plan.Compile(a.root, a.inputs, plan.Options{BaseManifestHash: baseHash})
			if err != nil {
				return err
			}
			if err := plan.Save(cmd.Context(), a.store, movieID, p); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "plan %s: %d layers, %d jobs\n",
				p.Revision, len(p.Layers), len(p.Jobs()))
			for i, layer := range p.Layers {
				for _, job := range layer.Jobs {
					fmt.Fprintf(cmd.OutOrStdout(), "  layer %d  %s  %s:%s\n",
						i, job.Producer, job.Provider, job.Model)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&blueprintPath, "blueprint", "", "root blueprint YAML file")
	cmd.Flags().StringVar(&inputsPath, "inputs", "", "inputs YAML file")
	cmd.Flags().StringVar(&movieID, "movie-id", "", "movie identifier")
	_ = cmd.MarkFlagRequired("blueprint")
	_ = cmd.MarkFlagRequired("inputs")
	_ = cmd.MarkFlagRequired("movie-id")
	return cmd
}
