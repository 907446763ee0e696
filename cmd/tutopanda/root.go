package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/keremk/tutopanda-sub001/internal/blueprint"
	"github.com/keremk/tutopanda-sub001/internal/logging"
	"github.com/keremk/tutopanda-sub001/internal/manifest"
	"github.com/keremk/tutopanda-sub001/internal/runner"
	"github.com/keremk/tutopanda-sub001/internal/settings"
	"github.com/keremk/tutopanda-sub001/internal/storage"
)

type globalFlags struct {
	settingsPath string
	storageRoot  string
	library      string
	verbose      bool
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "tutopanda",
		Short:         "Blueprint-driven offline media production pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.settingsPath, "settings", "settings.json", "settings file")
	root.PersistentFlags().StringVar(&flags.storageRoot, "storage-root", "", "movie storage root (overrides settings)")
	root.PersistentFlags().StringVar(&flags.library, "library", "", "blueprint module library directory (overrides settings)")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newPlanCommand(flags))
	root.AddCommand(newRunCommand(flags))
	return root
}

// app is the wiring shared by plan and run.
type app struct {
	settings *settings.Settings
	logger   *zap.Logger
	store    storage.Context
	root     *blueprint.Node
	inputs   *blueprint.LoadedInputs
}

func buildApp(flags *globalFlags, blueprintPath, inputsPath string) (*app, error) {
	logger, err := logging.New(flags.verbose)
	if err != nil {
		return nil, err
	}

	cfg := &settings.Settings{}
	if _, statErr := os.Stat(flags.settingsPath); statErr == nil {
		cfg, err = settings.Load(flags.settingsPath)
		if err != nil {
			return nil, err
		}
	} else if flags.settingsPath != "settings.json" {
		// An explicitly named settings file must exist.
		return nil, fmt.Errorf("settings file %s: %w", flags.settingsPath, statErr)
	}

	libraryDir := flags.library
	if libraryDir == "" {
		libraryDir = cfg.General.BlueprintLibrary
	}
	lib := blueprint.NewLibrary()
	if libraryDir != "" {
		lib, err = blueprint.LoadLibraryDir(libraryDir)
		if err != nil {
			return nil, err
		}
	}

	doc, err := os.ReadFile(blueprintPath)
	if err != nil {
		return nil, err
	}
	tree, err := blueprint.Parse(doc, lib)
	if err != nil {
		return nil, err
	}

	inputsDoc, err := os.ReadFile(inputsPath)
	if err != nil {
		return nil, err
	}
	in, err := blueprint.ParseInputs(inputsDoc, tree)
	if err != nil {
		return nil, err
	}

	storageRoot := flags.storageRoot
	if storageRoot == "" {
		storageRoot = cfg.General.StorageRoot
	}
	if storageRoot == "" {
		storageRoot = "."
	}
	store, err := storage.NewFSContext(storageRoot)
	if err != nil {
		return nil, err
	}

	return &app{
		settings: cfg,
		logger:   logger,
		store:    store,
		root:     tree,
		inputs:   in,
	}, nil
}

// baseManifestHash reads the latest committed manifest hash for the movie.
func (a *app) baseManifestHash(cmd *cobra.Command, movieID string) (string, error) {
	base, err := manifest.NewService(a.store).LoadLatest(cmd.Context(), movieID)
	if err != nil {
		return "", err
	}
	return base.Hash()
}

func (a *app) rateLimits() map[string]runner.RateLimit {
	if len(a.settings.RateLimits) == 0 {
		return nil
	}
	out := make(map[string]runner.RateLimit, len(a.settings.RateLimits))
	for key, rl := range a.settings.RateLimits {
		out[key] = runner.RateLimit{Concurrency: rl.Concurrency, QPS: rl.QPS, Burst: rl.Burst}
	}
	return out
}
