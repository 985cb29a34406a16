package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sdstudio/sdclient/pkg/errors"
	appfsm "github.com/sdstudio/sdclient/pkg/fsm"
	"github.com/sdstudio/sdclient/pkg/mask"
	"github.com/sdstudio/sdclient/pkg/sdapi"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"
)

var (
	inpaintImage         string
	inpaintPrompt        string
	inpaintRects         []string
	inpaintPaths         []string
	inpaintExpand        float64
	inpaintDisplayHeight float64
	inpaintSteps         int
	inpaintDenoise       float64
	inpaintLoRA          string
	inpaintLoRATrigger   string
	inpaintLoRAWeight    float64
)

var inpaintCmd = &cobra.Command{
	Use:   "inpaint",
	Short: "Repaint the masked part of an image, or expand it sideways",
	Long: `Builds a mask from --rect and --path strokes (or an --expand ratio),
then runs the job through the persisted validate, submit, poll and complete
workflow.

  --rect "x0,y0;x1,y1"        fill the rectangle between two corners
  --path "x,y;x,y;..."        fill the closed freeform path
  --display-height H          treat coordinates as touches on a display H tall
  --expand R                  widen the image by R on each side instead of masking`,
	RunE: runInpaint,
}

func init() {
	rootCmd.AddCommand(inpaintCmd)
	inpaintCmd.Flags().StringVarP(&inpaintImage, "image", "i", "", "Image path or s3:// key")
	inpaintCmd.Flags().StringVarP(&inpaintPrompt, "prompt", "p", "", "Prompt for the repainted area")
	inpaintCmd.Flags().StringArrayVar(&inpaintRects, "rect", nil, "Rectangle stroke (repeatable)")
	inpaintCmd.Flags().StringArrayVar(&inpaintPaths, "path", nil, "Freeform stroke (repeatable)")
	inpaintCmd.Flags().Float64Var(&inpaintExpand, "expand", 0, "Expansion ratio per side")
	inpaintCmd.Flags().Float64Var(&inpaintDisplayHeight, "display-height", 0, "Display height the coordinates refer to")
	inpaintCmd.Flags().IntVar(&inpaintSteps, "steps", 0, "Sampling steps")
	inpaintCmd.Flags().Float64Var(&inpaintDenoise, "denoising-strength", 0, "Denoising strength")
	inpaintCmd.Flags().StringVar(&inpaintLoRA, "lora", "", "LoRA name")
	inpaintCmd.Flags().StringVar(&inpaintLoRATrigger, "lora-trigger", "", "LoRA trigger words")
	inpaintCmd.Flags().Float64Var(&inpaintLoRAWeight, "lora-weight", 1.0, "LoRA weight")
	inpaintCmd.MarkFlagRequired("image")
	inpaintCmd.MarkFlagRequired("prompt")
}

func runInpaint(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Ensure all necessary directories exist
	if err := ensureDirectories(cfg, true, false); err != nil {
		return err
	}

	validator := newValidator(cfg)

	data, err := readImage(ctx, cfg, validator, inpaintImage)
	if err != nil {
		return err
	}
	session, err := openSession(validator, data)
	if err != nil {
		return err
	}

	strokes, err := parseStrokes(session, inpaintRects, inpaintPaths, inpaintDisplayHeight)
	if err != nil {
		return err
	}
	if err := applyStrokes(session, strokes); err != nil {
		return errors.Wrap(err, "failed to draw mask")
	}
	if inpaintExpand != 0 {
		if err := session.SetExpansion(inpaintExpand); err != nil {
			return err
		}
	}

	req, err := inpaintRequest(session, cmd, cfg.Steps, cfg.DenoisingStrength)
	if err != nil {
		return err
	}
	job := &appfsm.JobRequest{
		Inpaint:   req,
		HasMask:   session.HasMask(),
		Expansion: session.Expansion(),
	}

	client := newAPIClient(cfg)
	report := &jobReport{out: cmd.OutOrStdout()}

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := appfsm.NewMachine(client, validator, newPoller(client, cfg, cfg.InpaintPollInterval), report.callbacks(), cfg.FSMMaxRetries)
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	jobID := uuid.NewString()
	resp := &appfsm.JobResponse{}

	version, err := start(ctx, jobID, fsm.NewRequest(job, resp))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}

	slog.Info("fsm_started", "job_id", jobID, "version", version)

	if err := manager.Wait(ctx, version); err != nil {
		if resp.ErrorMessage != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "❌ %s\n", resp.ErrorMessage)
		}
		return errors.Wrap(err, "FSM execution failed")
	}

	slog.Info("inpaint_completed", "job_id", jobID, "status", resp.Status, "task_id", resp.TaskID, "images", len(resp.ImageURLs))
	return nil
}

// inpaintRequest exports the session into a request body. Flags left unset
// fall back to the configured defaults.
func inpaintRequest(s *mask.Session, cmd *cobra.Command, steps int, denoise float64) (*sdapi.InpaintRequest, error) {
	m, err := s.ExportMask()
	if err != nil {
		return nil, err
	}
	base, err := s.ExportBaseImage()
	if err != nil {
		return nil, err
	}

	maskURL, err := mask.EncodeDataURL(m)
	if err != nil {
		return nil, err
	}
	baseURL, err := mask.EncodeDataURL(base)
	if err != nil {
		return nil, err
	}

	return &sdapi.InpaintRequest{
		OriginalImage:     baseURL,
		MaskImage:         maskURL,
		Prompt:            inpaintPrompt,
		Steps:             flagOr(cmd, "steps", inpaintSteps, steps),
		DenoisingStrength: flagOr(cmd, "denoising-strength", inpaintDenoise, denoise),
		LoRA:              sdapi.NewLoRA(inpaintLoRA, inpaintLoRATrigger, inpaintLoRAWeight),
	}, nil
}
