package commands

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/sdstudio/sdclient/pkg/errors"
	"github.com/sdstudio/sdclient/pkg/mask"
	"github.com/sdstudio/sdclient/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	maskImage         string
	maskRects         []string
	maskPaths         []string
	maskExpand        float64
	maskDisplayHeight float64
	maskUndo          int
	maskOut           string
	maskPreview       string
	maskUpload        bool
	maskList          bool
)

var maskCmd = &cobra.Command{
	Use:   "mask",
	Short: "Draw an inpainting mask and save or archive it",
	Long: `Draws --rect and --path strokes over an image and writes the
resulting mask as a PNG:
  --undo N     drop the last N strokes before exporting
  --preview    also write the composite shown while drawing
  --upload     store the mask in the S3 mask archive
  --list       list archived masks and exit`,
	RunE: runMask,
}

func init() {
	rootCmd.AddCommand(maskCmd)
	maskCmd.Flags().StringVarP(&maskImage, "image", "i", "", "Image path or s3:// key")
	maskCmd.Flags().StringArrayVar(&maskRects, "rect", nil, "Rectangle stroke \"x0,y0;x1,y1\" (repeatable)")
	maskCmd.Flags().StringArrayVar(&maskPaths, "path", nil, "Freeform stroke \"x,y;x,y;...\" (repeatable)")
	maskCmd.Flags().Float64Var(&maskExpand, "expand", 0, "Expansion ratio per side")
	maskCmd.Flags().Float64Var(&maskDisplayHeight, "display-height", 0, "Display height the coordinates refer to")
	maskCmd.Flags().IntVar(&maskUndo, "undo", 0, "Strokes to undo before export")
	maskCmd.Flags().StringVarP(&maskOut, "out", "o", "", "Mask output path (default <output-dir>/<image>-mask.png)")
	maskCmd.Flags().StringVar(&maskPreview, "preview", "", "Composite preview output path")
	maskCmd.Flags().BoolVar(&maskUpload, "upload", false, "Upload the mask to S3")
	maskCmd.Flags().BoolVar(&maskList, "list", false, "List archived masks")
}

func runMask(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if maskList {
		client, err := newStorage(ctx, cfg)
		if err != nil {
			return err
		}
		keys, err := client.ListObjects(ctx, cfg.S3Prefix)
		if err != nil {
			return errors.Wrap(err, "list failed")
		}
		if len(keys) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No masks found")
			return nil
		}
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "%s%s\n", storage.URIScheme, k)
		}
		return nil
	}

	if maskImage == "" {
		return fmt.Errorf("must specify --image or --list")
	}

	if err := ensureDirectories(cfg, false, true); err != nil {
		return err
	}

	validator := newValidator(cfg)
	data, err := readImage(ctx, cfg, validator, maskImage)
	if err != nil {
		return err
	}
	session, err := openSession(validator, data)
	if err != nil {
		return err
	}

	strokes, err := parseStrokes(session, maskRects, maskPaths, maskDisplayHeight)
	if err != nil {
		return err
	}
	if err := applyStrokes(session, strokes); err != nil {
		return errors.Wrap(err, "failed to draw mask")
	}
	for i := 0; i < maskUndo; i++ {
		if err := session.Undo(); err != nil {
			if errors.Is(err, mask.ErrNothingToUndo) {
				break
			}
			return err
		}
	}
	if err := session.SetExpansion(maskExpand); err != nil {
		return err
	}
	if err := validator.ValidateMask(session.HasMask(), session.Expansion()); err != nil {
		return err
	}

	m, err := session.ExportMask()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := mask.EncodePNG(&buf, m); err != nil {
		return err
	}

	out := maskOut
	if out == "" {
		out = filepath.Join(cfg.OutputDir, maskName(maskImage))
	}
	if err := os.WriteFile(out, buf.Bytes(), 0644); err != nil {
		return errors.Wrap(err, "failed to write mask")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "🖌️  mask: %s\n", out)

	if maskPreview != "" {
		if err := writePNG(maskPreview, session.Canvas()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "🖼️  preview: %s\n", maskPreview)
	}

	if maskUpload {
		client, err := newStorage(ctx, cfg)
		if err != nil {
			return err
		}
		res, err := client.Upload(ctx, filepath.Base(out), buf.Bytes(), "image/png")
		if err != nil {
			return errors.Wrap(err, "upload failed")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "☁️  uploaded: %s%s (sha256 %s)\n", storage.URIScheme, res.Key, res.SHA256[:12])
	}

	return nil
}

// maskName derives the mask file name from the source image
func maskName(src string) string {
	if key, ok := storage.ParseURI(src); ok {
		src = key
	}
	base := filepath.Base(src)
	return strings.TrimSuffix(base, filepath.Ext(base)) + "-mask.png"
}

func writePNG(path string, img *image.NRGBA) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create file")
	}
	defer f.Close()

	if err := mask.EncodePNG(f, img); err != nil {
		return err
	}
	return f.Close()
}
