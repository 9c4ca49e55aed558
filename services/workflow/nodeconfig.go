package workflow

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"

	"workflow-graph/api/pkg/xjson"
)

// NodeConfig is the typed configuration of a node. Each node type has exactly
// one implementation.
type NodeConfig interface {
	NodeType() NodeType
}

// TextConfig configures a text node.
type TextConfig struct {
	Text string `json:"text"`
}

// UploadImageConfig configures an image upload node. URL stays empty until
// the user uploads something.
type UploadImageConfig struct {
	URL string `json:"url" validate:"omitempty,url"`
}

// UploadVideoConfig configures a video upload node.
type UploadVideoConfig struct {
	URL string `json:"url" validate:"omitempty,url"`
}

// RunModelConfig configures a model invocation. Connected inputs override the
// prompt fields.
type RunModelConfig struct {
	Model        string `json:"model" validate:"required,max=128"`
	SystemPrompt string `json:"systemPrompt"`
	UserMessage  string `json:"userMessage"`
}

// CropImageConfig holds the crop rectangle as percentages of the source image.
type CropImageConfig struct {
	ImageURL      string  `json:"imageUrl,omitempty" validate:"omitempty,url"`
	XPercent      float64 `json:"x_percent" validate:"gte=0,lte=100"`
	YPercent      float64 `json:"y_percent" validate:"gte=0,lte=100"`
	WidthPercent  float64 `json:"width_percent" validate:"gt=0,lte=100"`
	HeightPercent float64 `json:"height_percent" validate:"gt=0,lte=100"`
}

// ExtractFrameConfig selects a frame by timestamp, either "10s" (seconds) or
// "50%" (position in the video).
type ExtractFrameConfig struct {
	VideoURL  string `json:"videoUrl,omitempty" validate:"omitempty,url"`
	Timestamp string `json:"timestamp" validate:"frame_timestamp"`
}

func (*TextConfig) NodeType() NodeType         { return NodeTypeText }
func (*UploadImageConfig) NodeType() NodeType  { return NodeTypeUploadImage }
func (*UploadVideoConfig) NodeType() NodeType  { return NodeTypeUploadVideo }
func (*RunModelConfig) NodeType() NodeType     { return NodeTypeRunModel }
func (*CropImageConfig) NodeType() NodeType    { return NodeTypeCropImage }
func (*ExtractFrameConfig) NodeType() NodeType { return NodeTypeExtractFrame }

// DefaultModel is used when a model node does not name one.
const DefaultModel = "gemini-3-flash-preview"

// newConfig returns the zero config for t with editor defaults applied.
func newConfig(t NodeType) (NodeConfig, error) {
	switch t {
	case NodeTypeText:
		return &TextConfig{}, nil
	case NodeTypeUploadImage:
		return &UploadImageConfig{}, nil
	case NodeTypeUploadVideo:
		return &UploadVideoConfig{}, nil
	case NodeTypeRunModel:
		return &RunModelConfig{Model: DefaultModel}, nil
	case NodeTypeCropImage:
		return &CropImageConfig{WidthPercent: 100, HeightPercent: 100}, nil
	case NodeTypeExtractFrame:
		return &ExtractFrameConfig{Timestamp: "0"}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNodeType, t)
	}
}

// ConfigError reports a config that could not be decoded or failed validation.
type ConfigError struct {
	NodeType NodeType
	Err      error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s config: %v", e.NodeType, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func configValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
		_ = validate.RegisterValidation("frame_timestamp", func(fl validator.FieldLevel) bool {
			_, err := ParseFrameTimestamp(fl.Field().String())
			return err == nil
		})
	})
	return validate
}

// DecodeConfig converts a dynamic key/value config into the typed variant for
// t and validates it. Missing keys keep their defaults.
func DecodeConfig(t NodeType, raw map[string]any) (NodeConfig, error) {
	cfg, err := newConfig(t)
	if err != nil {
		return nil, err
	}

	if len(raw) > 0 {
		data, err := xjson.Marshal(raw)
		if err != nil {
			return nil, &ConfigError{NodeType: t, Err: err}
		}
		if err := xjson.Unmarshal(data, cfg); err != nil {
			return nil, &ConfigError{NodeType: t, Err: err}
		}
	}

	if err := configValidator().Struct(cfg); err != nil {
		return nil, &ConfigError{NodeType: t, Err: describeValidation(err)}
	}
	return cfg, nil
}

// ConfigMap converts a typed config back into its dynamic form.
func ConfigMap(cfg NodeConfig) (map[string]any, error) {
	data, err := xjson.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	m := make(map[string]any)
	if err := xjson.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// MergeConfig applies patch over cfg key by key, including zero values, and
// returns the re-validated result. cfg is not modified.
func MergeConfig(cfg NodeConfig, patch map[string]any) (NodeConfig, error) {
	current, err := ConfigMap(cfg)
	if err != nil {
		return nil, err
	}
	if err := mergo.Merge(&current, patch, mergo.WithOverride, mergo.WithOverwriteWithEmptyValue); err != nil {
		return nil, fmt.Errorf("merge config: %w", err)
	}
	return DecodeConfig(cfg.NodeType(), current)
}

func describeValidation(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fe.Field()+" "+validationMessage(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "url":
		return "must be a valid URL"
	case "gte", "gt":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "frame_timestamp":
		return `must look like "10s" or "50%"`
	default:
		return "is invalid"
	}
}

// FrameTimestamp is a parsed frame position: either an absolute offset in
// seconds or a percentage of the video length.
type FrameTimestamp struct {
	Value   float64
	Percent bool
}

func (ts FrameTimestamp) String() string {
	v := strconv.FormatFloat(ts.Value, 'f', -1, 64)
	if ts.Percent {
		return v + "%"
	}
	return v + "s"
}

// ParseFrameTimestamp accepts "50%", "10s", "10" and the empty string (start
// of the video).
func ParseFrameTimestamp(s string) (FrameTimestamp, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return FrameTimestamp{}, nil
	}

	ts := FrameTimestamp{}
	switch {
	case strings.HasSuffix(s, "%"):
		ts.Percent = true
		s = strings.TrimSuffix(s, "%")
	case strings.HasSuffix(s, "s"):
		s = strings.TrimSuffix(s, "s")
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return FrameTimestamp{}, fmt.Errorf("invalid frame timestamp %q", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || (ts.Percent && v > 100) {
		return FrameTimestamp{}, fmt.Errorf("frame timestamp %q out of range", s)
	}
	ts.Value = v
	return ts, nil
}
