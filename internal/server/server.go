package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/obaiga/hesaff/internal/hesaff"
	"github.com/obaiga/hesaff/internal/imaging"
)

// Version is reported in the initialize handshake.
var Version = "dev"

// Server handles MCP protocol communication
type Server struct {
	cache  *imaging.ImageCache
	params hesaff.Params
	log    *zap.Logger

	// images tracks the files behind cache, keyed by path, together with
	// the keypoints detected in them so that drawing and patch export reuse
	// a previous hesaff_detect call
	images map[string]*imageEntry
}

// maxImages bounds the number of images held by a Server and
// maxDetectionsPerImage the parameter sets remembered for one image.
const (
	maxImages             = 32
	maxDetectionsPerImage = 16
)

// imageEntry identifies the file version cached for a path.
type imageEntry struct {
	modTime time.Time
	size    int64

	// detections maps effective parameters to keypoints
	detections map[string][]hesaff.Keypoint
}

// MCPRequest represents an incoming JSON-RPC request
type MCPRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// MCPResponse represents an outgoing JSON-RPC response
type MCPResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *MCPError   `json:"error,omitempty"`
}

// MCPError represents a JSON-RPC error
type MCPError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// New creates a new MCP server detecting with params. A nil logger
// disables logging.
func New(params hesaff.Params, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cache:  imaging.NewImageCache(),
		params: params,
		log:    logger,
		images: make(map[string]*imageEntry),
	}
}

// image returns the entry of the file at path. When the file changed since
// it was cached, its decoded image and detections are dropped first. When
// maxImages paths are cached, a new path clears everything.
func (s *Server) image(path string) (*imageEntry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}

	e, ok := s.images[path]
	if ok && e.modTime.Equal(info.ModTime()) && e.size == info.Size() {
		return e, nil
	}
	switch {
	case ok:
		s.log.Debug("Image changed on disk", zap.String("path", path))
		s.cache.Evict(path)
	case len(s.images) >= maxImages:
		s.log.Debug("Image cache full, clearing", zap.Int("images", len(s.images)))
		s.cache.Clear()
		clear(s.images)
	}

	e = &imageEntry{
		modTime:    info.ModTime(),
		size:       info.Size(),
		detections: make(map[string][]hesaff.Keypoint),
	}
	s.images[path] = e
	return e, nil
}

// Run serves requests read line by line from in and writes responses to
// out until in is exhausted or ctx is done. Requests are handled one at a
// time. ctx is checked between requests, so a blocked read is not
// interrupted.
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	// Increase buffer size for large requests
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	encoder := json.NewEncoder(out)

	s.log.Info("MCP server started", zap.String("version", Version))
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req MCPRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.log.Warn("Failed to parse request", zap.Error(err))
			if err := encoder.Encode(s.errorResponse(nil, -32700, "Parse error", err.Error())); err != nil {
				return fmt.Errorf("failed to encode response: %w", err)
			}
			continue
		}

		resp := s.handleRequest(ctx, &req)
		if resp != nil {
			if err := encoder.Encode(resp); err != nil {
				return fmt.Errorf("failed to encode response: %w", err)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanner error: %w", err)
	}

	s.log.Info("MCP server stopped")
	return nil
}

// handleRequest routes requests to appropriate handlers
func (s *Server) handleRequest(ctx context.Context, req *MCPRequest) *MCPResponse {
	s.log.Debug("Handling request", zap.String("method", req.Method), zap.Any("id", req.ID))

	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "notifications/initialized":
		// Client acknowledgment, no response needed
		return nil
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "ping":
		return &MCPResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  map[string]interface{}{},
		}
	default:
		return &MCPResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &MCPError{
				Code:    -32601,
				Message: fmt.Sprintf("Method not found: %s", req.Method),
			},
		}
	}
}

// handleInitialize responds to the initialize request
func (s *Server) handleInitialize(req *MCPRequest) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
			"serverInfo": map[string]interface{}{
				"name":    "pyhesaff",
				"version": Version,
			},
		},
	}
}
