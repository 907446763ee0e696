package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keremk/tutopanda-sub001/internal/blueprint"
	"github.com/keremk/tutopanda-sub001/internal/plan"
	"github.com/keremk/tutopanda-sub001/internal/producer"
	"github.com/keremk/tutopanda-sub001/internal/producer/timeline"
	"github.com/keremk/tutopanda-sub001/internal/runner"
)

func newRunCommand(flags *globalFlags) *cobra.Command {
	var blueprintPath, inputsPath, movieID, revision string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the plan for a movie",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(flags, blueprintPath, inputsPath)
			if err != nil {
				return err
			}
			defer a.logger.Sync()

			var p *plan.ExecutionPlan
			if revision != "" {
				p, err = plan.Load(cmd.Context(), a.store, movieID, revision)
			} else {
				var baseHash string
				baseHash, err = a.baseManifestHash(cmd, movieID)
				if err != nil {
					return err
				}
				p, err = plan.Compile(a.root, a.inputs, plan.Options{BaseManifestHash: baseHash})
				if err != nil {
					return err
				}
				err = plan.Save(cmd.Context(), a.store, movieID, p)
			}
			if err != nil {
				return err
			}

			r := runner.New(a.store, defaultRegistry(), a.logger, runner.Options{
				MaxInFlight:    a.settings.General.MaxInFlight,
				MaxAttempts:    a.settings.General.MaxAttempts,
				RateLimits:     a.rateLimits(),
				InvokeTimeout:  a.settings.General.InvokeTimeout(),
				InvokeTimeouts: a.settings.InvokeTimeouts(),
			})
			res, err := r.Run(cmd.Context(), movieID, p, a.inputs)
			if err != nil {
				return err
			}

			for _, jr := range res.Jobs {
				line := fmt.Sprintf("%-9s %s", jr.Status, jr.Producer)
				if jr.Error != nil {
					line += "  (" + jr.Error.Error() + ")"
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			if res.Failed {
				return fmt.Errorf("run %s failed at revision %s", res.RunID, res.Revision)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s completed at revision %s\n", res.RunID, res.Revision)
			return nil
		},
	}
	cmd.Flags().StringVar(&blueprintPath, "blueprint", "", "root blueprint YAML file")
	cmd.Flags().StringVar(&inputsPath, "inputs", "", "inputs YAML file")
	cmd.Flags().StringVar(&movieID, "movie-id", "", "movie identifier")
	cmd.Flags().StringVar(&revision, "revision", "", "run a previously saved plan revision")
	_ = cmd.MarkFlagRequired("blueprint")
	_ = cmd.MarkFlagRequired("inputs")
	_ = cmd.MarkFlagRequired("movie-id")
	return cmd
}

// defaultRegistry wires every known provider. External providers run the
// stub handler; real adapters slot in here when they exist.
func defaultRegistry() *producer.Registry {
	reg := producer.NewRegistry()
	for _, p := range []blueprint.Provider{
		blueprint.ProviderOpenAI,
		blueprint.ProviderGemini,
		blueprint.ProviderReplicate,
		blueprint.ProviderElevenLabs,
		blueprint.ProviderCustom,
	} {
		reg.Register(p, producer.StubHandler{})
	}
	reg.Register(blueprint.ProviderInternal, timeline.Assembler{})
	return reg
}
