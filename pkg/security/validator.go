package security

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/sdstudio/sdclient/pkg/errors"
	"github.com/sdstudio/sdclient/pkg/sdapi"
)

const pngDataURLPrefix = "data:image/png;base64,"

var (
	// ErrEmptyMask is returned for an inpaint request that marks nothing to repaint.
	ErrEmptyMask = errors.New("security: mask is empty and no expansion is set")
	// ErrExpansionWithMask is returned when a drawn mask is combined with a
	// non-zero expansion ratio.
	ErrExpansionWithMask = errors.New("security: expansion cannot be combined with a drawn mask")
	// ErrEmptyPrompt is returned for a blank prompt.
	ErrEmptyPrompt = errors.New("security: prompt cannot be empty")
)

// Validator checks user input before anything is sent to the generation service
type Validator struct {
	maxImageBytes   int64
	maxImagePixels  int64
	maxPromptLength int

	structs *validator.Validate
}

// NewValidator creates a new input validator
func NewValidator(maxImageBytes, maxImagePixels int64, maxPromptLength int) *Validator {
	slog.Info("security_validator_init",
		"max_image_mb", maxImageBytes/1024/1024,
		"max_image_pixels", maxImagePixels,
		"max_prompt_length", maxPromptLength)

	v := validator.New(validator.WithRequiredStructEnabled())
	// registration only fails for an empty tag or nil func
	_ = v.RegisterValidation("pngdataurl", func(fl validator.FieldLevel) bool {
		return strings.HasPrefix(fl.Field().String(), pngDataURLPrefix)
	})

	return &Validator{
		maxImageBytes:   maxImageBytes,
		maxImagePixels:  maxImagePixels,
		maxPromptLength: maxPromptLength,
		structs:         v,
	}
}

// ValidatePrompt checks that a prompt is present and within the length limit.
// Length is counted in characters, not bytes.
func (v *Validator) ValidatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		slog.Error("security_prompt_validation_failed", "reason", "empty")
		return ErrEmptyPrompt
	}
	if n := utf8.RuneCountInString(prompt); n > v.maxPromptLength {
		slog.Error("security_prompt_validation_failed", "reason", "too_long", "length", n, "max_length", v.maxPromptLength)
		return fmt.Errorf("security: prompt length %d exceeds max %d", n, v.maxPromptLength)
	}
	return nil
}

// ValidateImageSize checks the encoded size of an input image
func (v *Validator) ValidateImageSize(size int64) error {
	if size > v.maxImageBytes {
		slog.Error("security_image_size_exceeded",
			"image_size_mb", size/1024/1024,
			"max_image_size_mb", v.maxImageBytes/1024/1024)
		return fmt.Errorf("security: image size %d exceeds max %d", size, v.maxImageBytes)
	}
	return nil
}

// ValidateDimensions checks the pixel count of an input image
func (v *Validator) ValidateDimensions(width, height int) error {
	if width <= 0 || height <= 0 {
		slog.Error("security_dimensions_invalid", "width", width, "height", height)
		return fmt.Errorf("security: invalid image dimensions %dx%d", width, height)
	}
	if pixels := int64(width) * int64(height); pixels > v.maxImagePixels {
		slog.Error("security_pixel_count_exceeded", "width", width, "height", height, "max_pixels", v.maxImagePixels)
		return fmt.Errorf("security: image %dx%d exceeds max %d pixels", width, height, v.maxImagePixels)
	}
	return nil
}

// ValidateMask rejects inpaint submissions that would repaint nothing, and
// drawn masks combined with expansion.
func (v *Validator) ValidateMask(hasMask bool, expansion float64) error {
	if hasMask && expansion != 0 {
		slog.Error("security_mask_validation_failed", "reason", "expansion_with_mask", "expansion", expansion)
		return ErrExpansionWithMask
	}
	if !hasMask && expansion == 0 {
		slog.Error("security_mask_validation_failed", "reason", "empty_mask")
		return ErrEmptyMask
	}
	return nil
}

// ValidateRequest runs the prompt limit and the struct rules declared on the
// request type.
func (v *Validator) ValidateRequest(req sdapi.Request) error {
	var prompt string
	switch r := req.(type) {
	case *sdapi.GenerateRequest:
		prompt = r.Prompt
	case *sdapi.InpaintRequest:
		prompt = r.Prompt
	default:
		return fmt.Errorf("security: unsupported request type %T", req)
	}
	if err := v.ValidatePrompt(prompt); err != nil {
		return err
	}
	if err := v.structs.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			slog.Error("security_request_validation_failed", "fields", strings.Join(fields, ", "))
			return fmt.Errorf("security: invalid request: %s", strings.Join(fields, ", "))
		}
		return errors.Wrap(err, "security: request validation")
	}
	return nil
}
