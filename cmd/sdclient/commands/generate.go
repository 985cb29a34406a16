package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sdstudio/sdclient/internal/config"
	"github.com/sdstudio/sdclient/pkg/errors"
	"github.com/sdstudio/sdclient/pkg/sdapi"
	"github.com/sdstudio/sdclient/pkg/tasks"
	"github.com/spf13/cobra"
)

var (
	genPrompts        []string
	genNegativePrompt string
	genWidth          int
	genHeight         int
	genNumImages      int
	genSteps          int
	genSeed           int64
	genLoRA           string
	genLoRATrigger    string
	genLoRAWeight     float64
	genVerify         bool
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Submit text-to-image jobs and wait for their results",
	Long: `Submits one job per --prompt. Jobs are polled one at a time in
submission order and their image URLs are printed as they finish.`,
	RunE: runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)
	generateCmd.Flags().StringArrayVarP(&genPrompts, "prompt", "p", nil, "Prompt (repeat for several jobs)")
	generateCmd.Flags().StringVar(&genNegativePrompt, "negative-prompt", "", "Negative prompt")
	generateCmd.Flags().IntVar(&genWidth, "width", 0, "Image width")
	generateCmd.Flags().IntVar(&genHeight, "height", 0, "Image height")
	generateCmd.Flags().IntVarP(&genNumImages, "num-images", "n", 0, "Images per job")
	generateCmd.Flags().IntVar(&genSteps, "steps", 0, "Sampling steps")
	generateCmd.Flags().Int64Var(&genSeed, "seed", -1, "Seed (-1 for random)")
	generateCmd.Flags().StringVar(&genLoRA, "lora", "", "LoRA name")
	generateCmd.Flags().StringVar(&genLoRATrigger, "lora-trigger", "", "LoRA trigger words")
	generateCmd.Flags().Float64Var(&genLoRAWeight, "lora-weight", 1.0, "LoRA weight")
	generateCmd.Flags().BoolVar(&genVerify, "verify", false, "Verify the API token with the auth service first")
	generateCmd.MarkFlagRequired("prompt")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if genVerify {
		if err := verifyGenerator(ctx, cmd, cfg); err != nil {
			return err
		}
	}

	client := newAPIClient(cfg)
	validator := newValidator(cfg)
	report := &jobReport{out: cmd.OutOrStdout()}
	tracker := tasks.NewTracker(ctx, newPoller(client, cfg, cfg.PollInterval), report.callbacks())

	rejected := 0
	for _, prompt := range genPrompts {
		req := &sdapi.GenerateRequest{
			Prompt:         prompt,
			NegativePrompt: flagOr(cmd, "negative-prompt", genNegativePrompt, cfg.NegativePrompt),
			Width:          flagOr(cmd, "width", genWidth, cfg.Width),
			Height:         flagOr(cmd, "height", genHeight, cfg.Height),
			NumImages:      flagOr(cmd, "num-images", genNumImages, cfg.NumImages),
			Steps:          flagOr(cmd, "steps", genSteps, cfg.Steps),
			Seed:           flagOr(cmd, "seed", genSeed, cfg.Seed),
			LoRA:           sdapi.NewLoRA(genLoRA, genLoRATrigger, genLoRAWeight),
		}

		if err := validator.ValidateRequest(req); err != nil {
			reportError(cmd, cfg.LoginURL, err)
			rejected++
			continue
		}

		res, err := client.Generate(ctx, req)
		if err != nil {
			reportError(cmd, cfg.LoginURL, err)
			rejected++
			if errors.Is(err, sdapi.ErrUnauthorized) {
				break
			}
			continue
		}

		t := tasks.FromSubmit(res, sdapi.KindGenerate, req)
		fmt.Fprintf(cmd.OutOrStdout(), "📤 %s: %s\n", t.ID, t.StatusMessage())
		tracker.Add(t)
	}

	tracker.Wait()

	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "generation interrupted")
	}
	if failed := rejected + int(report.failed.Load()); failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", failed, len(genPrompts))
	}
	return nil
}

// verifyGenerator checks that the API token belongs to a user allowed to generate
func verifyGenerator(ctx context.Context, cmd *cobra.Command, cfg *config.Config) error {
	verifier, closeCache := newVerifier(cfg)
	defer closeCache()

	id, err := verifier.VerifyToken(ctx, cfg.APIToken)
	if err != nil {
		reportError(cmd, verifier.LoginURL(), err)
		return errors.Wrap(err, "token verification failed")
	}
	if !id.CanGenerate() {
		return fmt.Errorf("user %s is not allowed to generate images", id.UserID)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "🔑 verified as %s\n", id.UserID)
	return nil
}
