package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cwsl/ka9q_aptrx/apt"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes the decoder to Model Context Protocol clients
type MCPServer struct {
	pipeline   *apt.Pipeline
	store      *PassStore
	passes     *PassController
	status     func() ServiceStatus
	config     *Config
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// NewMCPServer creates the server and registers its tools. store and
// passes may be nil.
func NewMCPServer(pipeline *apt.Pipeline, store *PassStore, passes *PassController, status func() ServiceStatus, cfg *Config) *MCPServer {
	m := &MCPServer{
		pipeline: pipeline,
		store:    store,
		passes:   passes,
		status:   status,
		config:   cfg,
	}

	m.mcpServer = server.NewMCPServer(
		"ka9q_aptrx",
		Version,
		server.WithToolCapabilities(true),
	)
	m.registerTools()
	m.httpServer = server.NewStreamableHTTPServer(m.mcpServer)
	return m
}

func (m *MCPServer) registerTools() {
	m.mcpServer.AddTool(
		mcp.NewTool("get_apt_status",
			mcp.WithDescription("Get the state of the NOAA APT weather satellite decoder: rows decoded so far, detected channel wavelengths, current satellite and settings, IQ stream health and connected viewers."),
			mcp.WithString("format",
				mcp.Description("Output format: 'json' (default) or 'text'"),
			),
		),
		m.handleGetAPTStatus,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("get_pass_history",
			mcp.WithDescription("List recent satellite passes with AOS/LOS times, direction, number of image rows, channel wavelengths and the files saved for each pass."),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of passes to return (default 10, max 100)"),
			),
			mcp.WithString("satellite",
				mcp.Description("Only passes of this satellite, e.g. 'NOAA 19'"),
			),
		),
		m.handleGetPassHistory,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("reset_apt_decoder",
			mcp.WithDescription("Discard the image decoded so far and restart line synchronisation."),
		),
		m.handleResetDecoder,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("save_apt_image",
			mcp.WithDescription("Save the current image to disk as PNG. Returns the written file names; nothing is written while the image is shorter than the configured minimum."),
		),
		m.handleSaveImage,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("satellite_pass",
			mcp.WithDescription("Report acquisition (aos) or loss (los) of signal for a satellite, as a tracker would. AOS resets and enables the decoder; LOS saves the image and disables it."),
			mcp.WithString("event",
				mcp.Required(),
				mcp.Enum(PassEventAOS, PassEventLOS),
				mcp.Description("'aos' or 'los'"),
			),
			mcp.WithString("satellite",
				mcp.Required(),
				mcp.Description("Satellite name, e.g. 'NOAA 18'"),
			),
			mcp.WithBoolean("north_to_south",
				mcp.Description("True when the pass runs north to south"),
			),
		),
		m.handleSatellitePass,
	)
}

// HandleMCP serves the streamable HTTP transport
func (m *MCPServer) HandleMCP(w http.ResponseWriter, r *http.Request) {
	m.httpServer.ServeHTTP(w, r)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to marshal data: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (m *MCPServer) handleGetAPTStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st := m.status()
	if request.GetString("format", "json") != "text" {
		return jsonResult(st)
	}

	var b strings.Builder
	a := st.APT
	fmt.Fprintf(&b, "APT decoder status:\n")
	fmt.Fprintf(&b, "Satellite: %s\n", orUnknown(a.Image.Satellite))
	fmt.Fprintf(&b, "Decoding: %v\n", a.Settings.DecodeEnabled)
	fmt.Fprintf(&b, "Rows: %d (zenith at row %d)\n", a.Image.Rows, a.Image.Zenith)
	if len(a.Image.Labels) == 2 {
		fmt.Fprintf(&b, "Channel A: %s\nChannel B: %s\n", orUnknown(a.Image.Labels[0]), orUnknown(a.Image.Labels[1]))
	}
	fmt.Fprintf(&b, "Audio backlog: %d samples, %d overrun\n", a.Demod.Backlog, a.Demod.Overruns)
	if st.IQ != nil {
		fmt.Fprintf(&b, "IQ packets: %d, lost: %d\n", st.IQ.Packets, st.IQ.SequenceGaps)
	}
	if st.Pass != nil {
		fmt.Fprintf(&b, "Pass in progress: %s since %s\n", st.Pass.Satellite, st.Pass.Time.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Viewers: %d\n", st.Viewers)
	if len(a.Image.LastSaved) > 0 {
		fmt.Fprintf(&b, "Last saved: %s\n", strings.Join(a.Image.LastSaved, ", "))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (m *MCPServer) handleGetPassHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if m.store == nil {
		return mcp.NewToolResultError("Pass history is not enabled"), nil
	}
	limit := request.GetInt("limit", 10)
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	passes, err := m.store.Recent(limit, request.GetString("satellite", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to read pass history: %v", err)), nil
	}
	return jsonResult(map[string]any{"count": len(passes), "passes": passes})
}

func (m *MCPServer) handleResetDecoder(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m.pipeline.Reset()
	return mcp.NewToolResultText("Decoder reset"), nil
}

func (m *MCPServer) handleSaveImage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	files, err := m.pipeline.Save(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Save failed: %v", err)), nil
	}
	if len(files) == 0 {
		return mcp.NewToolResultError(fmt.Sprintf("Nothing saved: image has fewer than %d rows",
			m.pipeline.Settings().AutoSaveMinScanLines)), nil
	}
	return jsonResult(map[string]any{"files": files})
}

func (m *MCPServer) handleSatellitePass(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if m.passes == nil {
		return mcp.NewToolResultError("Pass control is not available"), nil
	}
	cmd := PassCommand{
		Event:        strings.ToLower(request.GetString("event", "")),
		Satellite:    request.GetString("satellite", ""),
		NorthToSouth: request.GetBool("north_to_south", false),
	}
	if cmd.Satellite == "" {
		return mcp.NewToolResultError("satellite is required"), nil
	}
	handled, err := m.passes.HandleCommand(ctx, cmd)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !handled {
		return mcp.NewToolResultError(fmt.Sprintf("%s does not match this channel (satellite %q, tracker control %v)",
			cmd.Satellite, m.pipeline.Settings().SatelliteName, m.pipeline.Settings().SatelliteTrackerControl)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s handled for %s", strings.ToUpper(cmd.Event), cmd.Satellite)), nil
}
