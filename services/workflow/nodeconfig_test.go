package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeConfig_Defaults(t *testing.T) {
	cfg, err := DecodeConfig(NodeTypeRunModel, nil)
	require.NoError(t, err)
	assert.Equal(t, &RunModelConfig{Model: DefaultModel}, cfg)

	cfg, err = DecodeConfig(NodeTypeCropImage, map[string]any{"x_percent": 5})
	require.NoError(t, err)
	assert.Equal(t, &CropImageConfig{XPercent: 5, WidthPercent: 100, HeightPercent: 100}, cfg)

	cfg, err = DecodeConfig(NodeTypeExtractFrame, nil)
	require.NoError(t, err)
	assert.Equal(t, "0", cfg.(*ExtractFrameConfig).Timestamp)
}

func TestDecodeConfig_TypedVariantPerNodeType(t *testing.T) {
	for _, nt := range NodeTypes {
		cfg, err := DecodeConfig(nt, nil)
		require.NoError(t, err, nt)
		assert.Equal(t, nt, cfg.NodeType())
	}
}

func TestDecodeConfig_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		nodeType NodeType
		raw      map[string]any
		wantErr  string
	}{
		{"bad url", NodeTypeUploadImage, map[string]any{"url": "not a url"}, "url must be a valid URL"},
		{"crop above 100", NodeTypeCropImage, map[string]any{"x_percent": 120}, "x_percent must be at most 100"},
		{"zero width", NodeTypeCropImage, map[string]any{"width_percent": 0}, "width_percent must be at least 0"},
		{"bad timestamp", NodeTypeExtractFrame, map[string]any{"timestamp": "soon"}, "timestamp must look like"},
		{"empty model", NodeTypeRunModel, map[string]any{"model": ""}, "model is required"},
		{"wrong type", NodeTypeText, map[string]any{"text": 42}, "invalid textNode config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeConfig(tt.nodeType, tt.raw)

			require.Error(t, err)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.nodeType, cfgErr.NodeType)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDecodeConfig_UnknownType(t *testing.T) {
	_, err := DecodeConfig("webhookNode", nil)

	assert.True(t, errors.Is(err, ErrUnknownNodeType))
}

func TestMergeConfig(t *testing.T) {
	cfg, err := DecodeConfig(NodeTypeRunModel, map[string]any{"systemPrompt": "be brief", "userMessage": "hi"})
	require.NoError(t, err)

	merged, err := MergeConfig(cfg, map[string]any{"userMessage": "", "model": "small"})

	require.NoError(t, err)
	assert.Equal(t, &RunModelConfig{Model: "small", SystemPrompt: "be brief", UserMessage: ""}, merged)
	assert.Equal(t, "hi", cfg.(*RunModelConfig).UserMessage)
}

func TestMergeConfig_RejectsInvalidResult(t *testing.T) {
	cfg, err := DecodeConfig(NodeTypeCropImage, nil)
	require.NoError(t, err)

	_, err = MergeConfig(cfg, map[string]any{"height_percent": 150})

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestConfigMap(t *testing.T) {
	m, err := ConfigMap(&CropImageConfig{XPercent: 1, YPercent: 2, WidthPercent: 3, HeightPercent: 4})

	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"x_percent": 1.0, "y_percent": 2.0, "width_percent": 3.0, "height_percent": 4.0,
	}, m)
}

func TestParseFrameTimestamp(t *testing.T) {
	tests := []struct {
		in      string
		want    FrameTimestamp
		wantErr bool
	}{
		{in: "", want: FrameTimestamp{}},
		{in: "10", want: FrameTimestamp{Value: 10}},
		{in: "2.5s", want: FrameTimestamp{Value: 2.5}},
		{in: "50%", want: FrameTimestamp{Value: 50, Percent: true}},
		{in: " 100% ", want: FrameTimestamp{Value: 100, Percent: true}},
		{in: "101%", wantErr: true},
		{in: "-1s", wantErr: true},
		{in: "NaN", wantErr: true},
		{in: "Inf", wantErr: true},
		{in: "ten", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFrameTimestamp(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFrameTimestamp_String(t *testing.T) {
	assert.Equal(t, "12.5s", FrameTimestamp{Value: 12.5}.String())
	assert.Equal(t, "50%", FrameTimestamp{Value: 50, Percent: true}.String())
}

func TestNode_UnmarshalJSONDecodesConfig(t *testing.T) {
	var n Node
	err := n.UnmarshalJSON([]byte(`{
		"id": "crop-1",
		"type": "cropImageNode",
		"position": {"x": 1, "y": 2},
		"data": {"label": "Crop", "config": {"x_percent": 25}}
	}`))

	require.NoError(t, err)
	assert.Equal(t, "crop-1", n.ID)
	assert.Equal(t, StatusIdle, n.Data.Status)
	assert.Equal(t, &CropImageConfig{XPercent: 25, WidthPercent: 100, HeightPercent: 100}, n.Data.Config)
}

func TestNode_UnmarshalJSONRejectsUnknownType(t *testing.T) {
	var n Node
	err := n.UnmarshalJSON([]byte(`{"id": "x", "type": "mystery", "data": {}}`))

	assert.ErrorIs(t, err, ErrUnknownNodeType)
}
