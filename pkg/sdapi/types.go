package sdapi

import "net/url"

// Kind identifies the job family. It selects the submit and status endpoints.
type Kind string

const (
	KindGenerate Kind = "generate"
	KindInpaint  Kind = "inpaint"
)

func (k Kind) submitPath() string {
	if k == KindInpaint {
		return "/sd/inpaint"
	}
	return "/sd/generate"
}

func (k Kind) statusPath(taskID string) string {
	if k == KindInpaint {
		return "/sd/task_status/" + url.PathEscape(taskID)
	}
	return "/sd/status/" + url.PathEscape(taskID)
}

// Request is a job submission body.
type Request interface {
	Kind() Kind
}

// LoRA carries the optional low-rank adapter selection shared by both job kinds.
type LoRA struct {
	Enabled      bool    `json:"lora"`
	Name         string  `json:"lora_name,omitempty"`
	TriggerWords string  `json:"lora_trigger_words,omitempty"`
	Weight       float64 `json:"lora_weight,omitempty" validate:"omitempty,gt=0,lte=2"`
}

// NewLoRA returns an enabled LoRA selection, or a disabled one for an empty name.
func NewLoRA(name, triggerWords string, weight float64) LoRA {
	if name == "" {
		return LoRA{}
	}
	return LoRA{Enabled: true, Name: name, TriggerWords: triggerWords, Weight: weight}
}

// GenerateRequest is the body of POST /sd/generate.
type GenerateRequest struct {
	Prompt         string `json:"prompt" validate:"required"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Width          int    `json:"width" validate:"min=64,max=2048"`
	Height         int    `json:"height" validate:"min=64,max=2048"`
	NumImages      int    `json:"num_images" validate:"min=1,max=8"`
	Steps          int    `json:"steps,omitempty" validate:"omitempty,min=1,max=150"`
	Seed           int64  `json:"seed"`
	LoRA
}

func (*GenerateRequest) Kind() Kind { return KindGenerate }

// InpaintRequest is the body of POST /sd/inpaint. Both images are PNG data URLs.
type InpaintRequest struct {
	OriginalImage     string  `json:"original_image" validate:"required,pngdataurl"`
	MaskImage         string  `json:"mask_image" validate:"required,pngdataurl"`
	Prompt            string  `json:"prompt" validate:"required"`
	Steps             int     `json:"steps,omitempty" validate:"omitempty,min=1,max=150"`
	DenoisingStrength float64 `json:"denoising_strength,omitempty" validate:"omitempty,gt=0,lte=1"`
	LoRA
}

func (*InpaintRequest) Kind() Kind { return KindInpaint }

// SubmitResult is the accepted-job response of both submit endpoints.
type SubmitResult struct {
	TaskID        string `json:"task_id"`
	QueuePosition *int   `json:"queuePosition,omitempty"`
	MaxQueueSize  *int   `json:"max_queue_size,omitempty"`
}

// StatusResponse is the body of GET /sd/status/{id} and GET /sd/task_status/{id}.
type StatusResponse struct {
	Status            string   `json:"status"`
	Progress          *float64 `json:"progress,omitempty"`
	QueuePosition     *int     `json:"queuePosition,omitempty"`
	MaxQueueSize      *int     `json:"max_queue_size,omitempty"`
	FileNames         []string `json:"file_names,omitempty"`
	Seeds             []int64  `json:"seeds,omitempty"`
	TranslatedPrompt  string   `json:"translated_prompt,omitempty"`
	InpaintedImageURL string   `json:"inpainted_image_url,omitempty"`
	InpaintPrompt     string   `json:"inpaint_prompt,omitempty"`
	Error             string   `json:"error,omitempty"`
}
