package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MediaRef is the output of media-producing tasks.
type MediaRef struct {
	URL   string      `json:"url"`
	Kind  string      `json:"kind"`
	Crop  *CropRegion `json:"crop,omitempty"`
	Frame string      `json:"frame,omitempty"`
}

// CropRegion is a crop rectangle in percent of the source image.
type CropRegion struct {
	X      float64 `json:"x_percent"`
	Y      float64 `json:"y_percent"`
	Width  float64 `json:"width_percent"`
	Height float64 `json:"height_percent"`
}

// TextTask handles the text node type. It passes its configured text through.
type TextTask struct{}

func (t *TextTask) Run(_ context.Context, in TaskInput) (any, error) {
	cfg, err := configAs[*TextConfig](in.Node)
	if err != nil {
		return nil, err
	}
	return cfg.Text, nil
}

// UploadImageTask handles the image upload node type.
type UploadImageTask struct{}

func (t *UploadImageTask) Run(_ context.Context, in TaskInput) (any, error) {
	cfg, err := configAs[*UploadImageConfig](in.Node)
	if err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, errors.New("no image uploaded")
	}
	return MediaRef{URL: cfg.URL, Kind: "image"}, nil
}

// UploadVideoTask handles the video upload node type.
type UploadVideoTask struct{}

func (t *UploadVideoTask) Run(_ context.Context, in TaskInput) (any, error) {
	cfg, err := configAs[*UploadVideoConfig](in.Node)
	if err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, errors.New("no video uploaded")
	}
	return MediaRef{URL: cfg.URL, Kind: "video"}, nil
}

// CropImageTask handles the crop node type. The image comes from the "image"
// handle, falling back to the configured URL; each percentage can also be fed
// through a handle of the same name.
type CropImageTask struct{}

func (t *CropImageTask) Run(_ context.Context, in TaskInput) (any, error) {
	cfg, err := configAs[*CropImageConfig](in.Node)
	if err != nil {
		return nil, err
	}

	url := firstMediaURL(in.SuccessfulOutputs("image"))
	if url == "" {
		url = cfg.ImageURL
	}
	if url == "" {
		return nil, errors.New("no input image")
	}

	region := CropRegion{X: cfg.XPercent, Y: cfg.YPercent, Width: cfg.WidthPercent, Height: cfg.HeightPercent}
	for handle, dst := range map[string]*float64{
		"x_percent":      &region.X,
		"y_percent":      &region.Y,
		"width_percent":  &region.Width,
		"height_percent": &region.Height,
	} {
		outputs := in.SuccessfulOutputs(handle)
		if len(outputs) == 0 {
			continue
		}
		v, ok := toFloat64(outputs[0])
		if !ok {
			return nil, fmt.Errorf("%s input is not a number", handle)
		}
		*dst = v
	}

	if region.X < 0 || region.Y < 0 || region.Width <= 0 || region.Height <= 0 ||
		region.X+region.Width > 100 || region.Y+region.Height > 100 {
		return nil, fmt.Errorf("crop region %+v falls outside the image", region)
	}

	return MediaRef{URL: url, Kind: "image", Crop: &region}, nil
}

// ExtractFrameTask handles the frame extraction node type. The video comes
// from the "video_url" handle and the timestamp from the "timestamp" handle,
// each falling back to config.
type ExtractFrameTask struct{}

func (t *ExtractFrameTask) Run(_ context.Context, in TaskInput) (any, error) {
	cfg, err := configAs[*ExtractFrameConfig](in.Node)
	if err != nil {
		return nil, err
	}

	url := firstMediaURL(in.SuccessfulOutputs("video_url"))
	if url == "" {
		url = cfg.VideoURL
	}
	if url == "" {
		return nil, errors.New("no input video")
	}

	raw := cfg.Timestamp
	if outputs := in.SuccessfulOutputs("timestamp"); len(outputs) > 0 {
		raw = fmt.Sprint(outputs[0])
	}
	ts, err := ParseFrameTimestamp(raw)
	if err != nil {
		return nil, err
	}

	return MediaRef{URL: url, Kind: "frame", Frame: ts.String()}, nil
}

// RunModelTask handles the model node type. Text from the "system_prompt"
// and "user_message" handles replaces the configured prompts; media on the
// "images" handle is attached.
type RunModelTask struct {
	client ModelClient
}

func (t *RunModelTask) Run(ctx context.Context, in TaskInput) (any, error) {
	cfg, err := configAs[*RunModelConfig](in.Node)
	if err != nil {
		return nil, err
	}
	if t.client == nil {
		return nil, errors.New("no model client configured")
	}

	req := ModelRequest{
		Model:        cfg.Model,
		SystemPrompt: cfg.SystemPrompt,
		UserMessage:  cfg.UserMessage,
	}
	if texts := textOutputs(in.SuccessfulOutputs("system_prompt")); len(texts) > 0 {
		req.SystemPrompt = strings.Join(texts, "\n")
	}
	if texts := textOutputs(in.SuccessfulOutputs("user_message")); len(texts) > 0 {
		req.UserMessage = strings.Join(texts, "\n")
	}
	for _, out := range in.SuccessfulOutputs("images") {
		if url := mediaURL(out); url != "" {
			req.Images = append(req.Images, url)
		}
	}

	if strings.TrimSpace(req.UserMessage) == "" {
		return nil, errors.New("user message is required")
	}

	text, err := t.client.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("model error: %w", err)
	}
	return text, nil
}

// configAs returns the node's config as the variant the task expects.
func configAs[C NodeConfig](node Node) (C, error) {
	cfg, ok := node.Data.Config.(C)
	if !ok {
		var zero C
		return zero, fmt.Errorf("node %s has config %T, want %T", node.ID, node.Data.Config, zero)
	}
	return cfg, nil
}

// mediaURL extracts a URL from a task output. Outputs read back from storage
// arrive as plain maps.
func mediaURL(v any) string {
	switch m := v.(type) {
	case string:
		return m
	case MediaRef:
		return m.URL
	case *MediaRef:
		if m != nil {
			return m.URL
		}
	case map[string]any:
		url, _ := m["url"].(string)
		return url
	}
	return ""
}

func firstMediaURL(outputs []any) string {
	for _, out := range outputs {
		if url := mediaURL(out); url != "" {
			return url
		}
	}
	return ""
}

func textOutputs(outputs []any) []string {
	var texts []string
	for _, out := range outputs {
		switch v := out.(type) {
		case string:
			if v != "" {
				texts = append(texts, v)
			}
		case nil:
		default:
			texts = append(texts, fmt.Sprint(v))
		}
	}
	return texts
}

// toFloat64 converts an any value to float64, accepting numeric strings from
// text nodes.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
