// Package server implements an MCP (Model Context Protocol) server exposing
// Hessian-affine keypoint detection as tools.
//
// # Protocol
//
// The server speaks JSON-RPC 2.0, one message per line:
//   - Input: JSON-RPC requests read from the reader passed to Run
//   - Output: JSON-RPC responses written to the writer passed to Run
//
// Supported MCP methods:
//   - initialize: Protocol handshake
//   - tools/list: Enumerate available tools
//   - tools/call: Execute a tool with arguments
//   - ping: Health check
//
// # Available Tools
//
//   - image_load: Image metadata and the path of an existing feature file
//   - hesaff_detect: Detect keypoints, summarise them, optionally write
//     the .hesaff.sift feature file
//   - hesaff_extract_desc: Descriptors for keypoints given in [x, y, a, c, d]
//     array form
//   - hesaff_draw_keypoints: Keypoint ellipses drawn over the image
//   - hesaff_export_patch: The normalised patch or image region of one
//     keypoint
//
// The detection tools accept threshold, upscale, min_scale and max_scale to
// override the configured detector parameters for one call.
//
// # Caching
//
// Decoded images are cached by path. Detection results are cached by path
// and effective parameters, so drawing or exporting the keypoints listed by
// an earlier hesaff_detect call refers to the same keypoint indices. Every
// tool call stats the file first; a changed modification time or size drops
// the cached image and its detections. At most 32 images are held, and a
// new path beyond that clears both caches.
//
// # Error Handling
//
// Tool execution errors are returned as JSON-RPC error responses with:
//   - code: -32000 (tool execution failure) or standard JSON-RPC codes
//   - message: Human-readable error description
//   - data: The Go error string
//
// # Usage
//
//	srv := server.New(cfg.Detector, logger)
//	if err := srv.Run(ctx, os.Stdin, os.Stdout); err != nil {
//	    return err
//	}
package server
