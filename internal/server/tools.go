package server

// Tool represents an MCP tool definition
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

func pathProperty() map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": "Absolute path to the image file",
	}
}

// detectorProperties are the detector overrides accepted by every tool that
// runs detection. Omitted values use the server configuration.
func detectorProperties() map[string]interface{} {
	return map[string]interface{}{
		"path": pathProperty(),
		"threshold": map[string]interface{}{
			"type":        "number",
			"description": "Hessian response threshold. Default 5.333",
		},
		"upscale": map[string]interface{}{
			"type":        "boolean",
			"description": "Double the image before detection to find smaller features",
		},
		"min_scale": map[string]interface{}{
			"type":        "number",
			"description": "Smallest measurement region radius in pixels to report (<= 0 disables)",
		},
		"max_scale": map[string]interface{}{
			"type":        "number",
			"description": "Largest measurement region radius in pixels to report (<= 0 disables)",
		},
	}
}

func withProperties(base map[string]interface{}, extra map[string]interface{}) map[string]interface{} {
	for k, v := range extra {
		base[k] = v
	}
	return base
}

// GetToolDefinitions returns all available tools
func GetToolDefinitions() []Tool {
	return []Tool{
		// Image Information
		{
			Name:        "image_load",
			Description: "Load an image file and return its dimensions, format and file size. Reports the feature file next to the image if one was written.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": pathProperty(),
				},
				"required": []string{"path"},
			},
		},

		// Detection
		{
			Name:        "hesaff_detect",
			Description: "Detect Hessian-affine keypoints and compute their SIFT descriptors. Returns summary statistics and the first max_keypoints keypoints with centre, scale, rectified shape, response and blob type. Results are cached per image and parameters.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": withProperties(detectorProperties(), map[string]interface{}{
					"max_keypoints": map[string]interface{}{
						"type":        "integer",
						"description": "Maximum number of keypoints listed in the result (-1 for all). Default 100",
						"default":     100,
					},
					"include_descriptors": map[string]interface{}{
						"type":        "boolean",
						"description": "Include the 128 value descriptor of each listed keypoint",
						"default":     false,
					},
					"write_features": map[string]interface{}{
						"type":        "boolean",
						"description": "Write all keypoints to <path>.hesaff.sift in the text feature format",
						"default":     false,
					},
				}),
				"required": []string{"path"},
			},
		},
		{
			Name:        "hesaff_extract_desc",
			Description: "Compute SIFT descriptors for given keypoints in array form [x, y, a, c, d], where a, c, d are the lower triangle of the inverse affine shape including the measurement region scale. Keypoints whose region leaves the image get an all-zero descriptor and are listed in failed.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": pathProperty(),
					"kpts": map[string]interface{}{
						"type":        "array",
						"description": "Keypoints as [x, y, a, c, d] rows",
						"items": map[string]interface{}{
							"type":     "array",
							"items":    map[string]interface{}{"type": "number"},
							"minItems": 5,
							"maxItems": 5,
						},
					},
				},
				"required": []string{"path", "kpts"},
			},
		},

		// Rendering
		{
			Name:        "hesaff_draw_keypoints",
			Description: "Draw the detected keypoint ellipses over the image and return it as base64-encoded PNG. Without a color, ellipses are coloured by response from blue (weak) to red (strong).",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": withProperties(detectorProperties(), map[string]interface{}{
					"color": map[string]interface{}{
						"type":        "string",
						"description": "Ellipse color as hex (e.g., '#00FF00'). Default colors by response",
					},
					"show_index": map[string]interface{}{
						"type":        "boolean",
						"description": "Label each keypoint with its index",
						"default":     false,
					},
					"output_path": map[string]interface{}{
						"type":        "string",
						"description": "Also save the overlay as PNG at this path",
					},
				}),
				"required": []string{"path"},
			},
		},
		{
			Name:        "hesaff_export_patch",
			Description: "Export the region of one detected keypoint as base64-encoded PNG, either as the affine normalised patch the descriptor is computed from or as the surrounding image region.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": withProperties(detectorProperties(), map[string]interface{}{
					"index": map[string]interface{}{
						"type":        "integer",
						"description": "Keypoint index in detection order",
					},
					"mode": map[string]interface{}{
						"type":        "string",
						"enum":        []string{"patch", "region"},
						"description": "'patch' for the normalised patch, 'region' for the image region. Default 'patch'",
						"default":     "patch",
					},
					"scale": map[string]interface{}{
						"type":        "number",
						"description": "Optional scale factor (e.g., 4.0 to enlarge). Default 1.0",
						"default":     1.0,
					},
				}),
				"required": []string{"path", "index"},
			},
		},
	}
}

// handleToolsList returns the list of available tools
func (s *Server) handleToolsList(req *MCPRequest) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"tools": GetToolDefinitions(),
		},
	}
}
