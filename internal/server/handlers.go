package server

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/obaiga/hesaff/internal/hesaff"
	"github.com/obaiga/hesaff/internal/imaging"
)

// ToolCallParams represents the parameters for a tools/call MCP request.
type ToolCallParams struct {
	// Name is the tool to invoke (e.g., "image_load", "hesaff_detect").
	Name string `json:"name"`

	// Arguments contains the tool-specific parameters as JSON.
	Arguments json.RawMessage `json:"arguments"`
}

// handleToolsCall processes a tools/call request and executes the specified tool.
//
// The response wraps the tool result in MCP's content format:
//
//	{
//	  "content": [{"type": "text", "text": "<JSON result>"}]
//	}
//
// Tool execution errors return a JSON-RPC error response with code -32000.
func (s *Server) handleToolsCall(ctx context.Context, req *MCPRequest) *MCPResponse {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.errorResponse(req.ID, -32602, "Invalid params", err.Error())
	}

	result, err := s.executeTool(ctx, params.Name, params.Arguments)
	if err != nil {
		s.log.Warn("Tool execution failed", zap.String("tool", params.Name), zap.Error(err))
		return s.errorResponse(req.ID, -32000, "Tool execution failed", err.Error())
	}

	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"content": []map[string]interface{}{
				{
					"type": "text",
					"text": mustMarshalJSON(result),
				},
			},
		},
	}
}

// executeTool dispatches tool execution to the appropriate handler function.
func (s *Server) executeTool(ctx context.Context, name string, args json.RawMessage) (interface{}, error) {
	switch name {
	case "image_load":
		return s.handleImageLoad(args)
	case "hesaff_detect":
		return s.handleDetect(ctx, args)
	case "hesaff_extract_desc":
		return s.handleExtractDesc(ctx, args)
	case "hesaff_draw_keypoints":
		return s.handleDrawKeypoints(ctx, args)
	case "hesaff_export_patch":
		return s.handleExportPatch(ctx, args)
	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

// errorResponse creates a JSON-RPC error response with the given details.
func (s *Server) errorResponse(id interface{}, code int, message, data string) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &MCPError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// mustMarshalJSON converts a value to pretty-printed JSON string.
// Panics are suppressed; on marshal failure, returns an empty string.
func mustMarshalJSON(v interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

func unmarshalArgs(args json.RawMessage, v interface{}) error {
	if len(args) == 0 {
		return fmt.Errorf("missing arguments")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// === Image Information ===

type imageLoadArgs struct {
	Path string `json:"path"`
}

func (s *Server) handleImageLoad(args json.RawMessage) (interface{}, error) {
	var a imageLoadArgs
	if err := unmarshalArgs(args, &a); err != nil {
		return nil, err
	}
	if _, err := s.image(a.Path); err != nil {
		return nil, err
	}
	return imaging.LoadImageInfo(s.cache, a.Path, hesaff.FeatureSuffix)
}

// === Detection ===

// detectArgs selects an image and optionally overrides detector parameters.
type detectArgs struct {
	Path      string   `json:"path"`
	Threshold *float64 `json:"threshold,omitempty"`
	Upscale   *bool    `json:"upscale,omitempty"`
	MinScale  *float64 `json:"min_scale,omitempty"`
	MaxScale  *float64 `json:"max_scale,omitempty"`
}

func (a detectArgs) params(base hesaff.Params) hesaff.Params {
	p := base
	if a.Threshold != nil {
		p.Pyramid.Threshold = *a.Threshold
	}
	if a.Upscale != nil {
		p.Pyramid.UpscaleInputImage = *a.Upscale
	}
	if a.MinScale != nil {
		p.MinScale = *a.MinScale
	}
	if a.MaxScale != nil {
		p.MaxScale = *a.MaxScale
	}
	return p
}

// detect returns the keypoints of the image, running the detector only when
// no earlier call used the same file version and parameters.
func (s *Server) detect(ctx context.Context, a detectArgs) ([]hesaff.Keypoint, hesaff.Params, error) {
	params := a.params(s.params)
	entry, err := s.image(a.Path)
	if err != nil {
		return nil, params, err
	}
	key := fmt.Sprintf("%v", params)
	if keys, ok := entry.detections[key]; ok {
		return keys, params, nil
	}

	gray, err := s.cache.LoadGray(a.Path)
	if err != nil {
		return nil, params, err
	}
	det, err := hesaff.New(gray, params, hesaff.WithLogger(s.log))
	if err != nil {
		return nil, params, err
	}
	if _, err := det.Detect(ctx); err != nil {
		return nil, params, fmt.Errorf("detection failed: %w", err)
	}

	keys := det.Keypoints()
	if len(entry.detections) >= maxDetectionsPerImage {
		clear(entry.detections)
	}
	entry.detections[key] = keys
	s.log.Debug("Detected keypoints", zap.String("path", a.Path), zap.Int("nKpts", len(keys)))
	return keys, params, nil
}

type hesaffDetectArgs struct {
	detectArgs

	// MaxKeypoints bounds the number of keypoints listed in the result.
	MaxKeypoints *int `json:"max_keypoints,omitempty"`

	IncludeDescriptors bool `json:"include_descriptors"`

	// WriteFeatures writes <path>.hesaff.sift next to the image.
	WriteFeatures bool `json:"write_features"`
}

// DetectResult is the hesaff_detect result.
type DetectResult struct {
	Path         string                 `json:"path"`
	NumKeypoints int                    `json:"num_keypoints"`
	Stats        *imaging.KeypointStats `json:"stats"`

	// Keypoints lists up to max_keypoints keypoints in detection order.
	Keypoints []hesaff.Keypoint `json:"keypoints"`
	Truncated bool              `json:"truncated,omitempty"`

	FeatureFile string `json:"feature_file,omitempty"`
}

func (s *Server) handleDetect(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a hesaffDetectArgs
	if err := unmarshalArgs(args, &a); err != nil {
		return nil, err
	}
	maxKeypoints := 100
	if a.MaxKeypoints != nil {
		maxKeypoints = *a.MaxKeypoints
	}

	keys, params, err := s.detect(ctx, a.detectArgs)
	if err != nil {
		return nil, err
	}

	result := &DetectResult{
		Path:         a.Path,
		NumKeypoints: len(keys),
		Stats:        imaging.MeasureKeypoints(keys, params.Affine.MRSize),
	}

	listed := keys
	if maxKeypoints >= 0 && len(listed) > maxKeypoints {
		listed = listed[:maxKeypoints]
		result.Truncated = true
	}
	result.Keypoints = make([]hesaff.Keypoint, len(listed))
	for i, k := range listed {
		if !a.IncludeDescriptors {
			k.Desc = nil
		}
		result.Keypoints[i] = k
	}

	if a.WriteFeatures {
		path := a.Path + hesaff.FeatureSuffix
		features := hesaff.KeypointFeatures(keys, params.Affine.MRSize)
		if err := hesaff.SaveFeatures(path, params.DescriptorSize(), features); err != nil {
			return nil, err
		}
		result.FeatureFile = path
	}
	return result, nil
}

type extractDescArgs struct {
	Path string `json:"path"`

	// Kpts are keypoints in array form [x, y, a, c, d].
	Kpts []hesaff.Kpt `json:"kpts"`
}

// ExtractDescResult is the hesaff_extract_desc result.
type ExtractDescResult struct {
	Path        string              `json:"path"`
	Descriptors []hesaff.Descriptor `json:"descriptors"`

	// Failed lists the indices of keypoints whose region left the image;
	// their descriptors are all zero.
	Failed []int `json:"failed,omitempty"`
}

func (s *Server) handleExtractDesc(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a extractDescArgs
	if err := unmarshalArgs(args, &a); err != nil {
		return nil, err
	}

	if _, err := s.image(a.Path); err != nil {
		return nil, err
	}
	gray, err := s.cache.LoadGray(a.Path)
	if err != nil {
		return nil, err
	}
	det, err := hesaff.New(gray, s.params, hesaff.WithLogger(s.log))
	if err != nil {
		return nil, err
	}
	descs, failed, err := det.ExtractDescriptors(ctx, a.Kpts)
	if err != nil {
		return nil, err
	}

	result := &ExtractDescResult{
		Path:        a.Path,
		Descriptors: make([]hesaff.Descriptor, len(descs)),
		Failed:      failed,
	}
	for i, d := range descs {
		result.Descriptors[i] = d
	}
	return result, nil
}

// === Rendering ===

type drawKeypointsArgs struct {
	detectArgs
	Color      string `json:"color"`
	ShowIndex  bool   `json:"show_index"`
	OutputPath string `json:"output_path"`
}

func (s *Server) handleDrawKeypoints(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a drawKeypointsArgs
	if err := unmarshalArgs(args, &a); err != nil {
		return nil, err
	}

	keys, params, err := s.detect(ctx, a.detectArgs)
	if err != nil {
		return nil, err
	}
	img, err := s.cache.Load(a.Path)
	if err != nil {
		return nil, err
	}

	opts := imaging.OverlayOptions{
		MRSize:    params.Affine.MRSize,
		ColorHex:  a.Color,
		ShowIndex: a.ShowIndex,
	}
	if a.OutputPath != "" {
		overlay, err := imaging.DrawKeypoints(img, keys, opts)
		if err != nil {
			return nil, err
		}
		if err := imaging.SaveImage(a.OutputPath, overlay); err != nil {
			return nil, err
		}
	}
	return imaging.KeypointOverlay(img, keys, opts)
}

type exportPatchArgs struct {
	detectArgs
	Index int     `json:"index"`
	Scale float64 `json:"scale"`

	// Mode is "patch" for the affine normalised patch or "region" for the
	// axis aligned image region around the keypoint.
	Mode string `json:"mode"`
}

func (s *Server) handleExportPatch(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a exportPatchArgs
	if err := unmarshalArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Scale == 0 {
		a.Scale = 1.0
	}

	keys, params, err := s.detect(ctx, a.detectArgs)
	if err != nil {
		return nil, err
	}
	if a.Index < 0 || a.Index >= len(keys) {
		return nil, fmt.Errorf("keypoint index %d out of range [0, %d)", a.Index, len(keys))
	}
	k := keys[a.Index]

	switch a.Mode {
	case "", "patch":
		gray, err := s.cache.LoadGray(a.Path)
		if err != nil {
			return nil, err
		}
		det, err := hesaff.New(gray, params, hesaff.WithLogger(s.log))
		if err != nil {
			return nil, err
		}
		patch, ok := det.Patch(hesaff.ToKpt(k, params.Affine.MRSize))
		if !ok {
			return nil, fmt.Errorf("keypoint %d region leaves the image", a.Index)
		}
		return imaging.EncodePatch(patch, a.Scale)
	case "region":
		img, err := s.cache.Load(a.Path)
		if err != nil {
			return nil, err
		}
		return imaging.CropKeypoint(img, k, params.Affine.MRSize, a.Scale)
	default:
		return nil, fmt.Errorf("unknown mode: %s", a.Mode)
	}
}
