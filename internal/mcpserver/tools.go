// Package mcpserver registers MCP tools that expose vehicle data to an
// assistant. It adapts the vehicle service to the MCP SDK's tool handler
// interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/augard/evmaps-sub001/internal/connect"
	"github.com/augard/evmaps-sub001/internal/vehicle"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// VehicleReader is the read side of the vehicle service.
type VehicleReader interface {
	Vehicles(ctx context.Context) ([]connect.Vehicle, error)
	Status(ctx context.Context, vin string, refresh bool) (vehicle.Status, error)
	StatusChanges(ctx context.Context, vin string) (vehicle.Changes, error)
}

// RegisterTools adds all vehicle tools to the given MCP server.
func RegisterTools(server *mcp.Server, v VehicleReader) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "vehicle_list",
		Description: "List the vehicles registered to the connected account with VIN, nickname, model and year.",
	}, listHandler(v))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "vehicle_status",
		Description: "Read the status of a vehicle (battery, charging, doors, climate, location). Defaults to the selected vehicle. Set refresh to wake the car for a live reading instead of the cached one; this is slow and drains the 12V battery.",
	}, statusHandler(v))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "vehicle_status_changes",
		Description: "Read the cached status of a vehicle and list which fields changed since the previous reading.",
	}, changesHandler(v))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// ListInput has no parameters.
type ListInput struct{}

// StatusInput holds parameters for vehicle_status.
type StatusInput struct {
	VIN     string `json:"vin,omitempty" jsonschema:"vehicle identification number, defaults to the selected vehicle"`
	Refresh bool   `json:"refresh,omitempty" jsonschema:"wake the vehicle for a live reading"`
}

// ChangesInput holds parameters for vehicle_status_changes.
type ChangesInput struct {
	VIN string `json:"vin,omitempty" jsonschema:"vehicle identification number, defaults to the selected vehicle"`
}

// --- Output types ---

// VehicleEntry is one vehicle in a list result.
type VehicleEntry struct {
	VIN       string `json:"vin"`
	VehicleID string `json:"vehicle_id"`
	Nickname  string `json:"nickname,omitempty"`
	Model     string `json:"model,omitempty"`
	Type      string `json:"type,omitempty"`
	Year      string `json:"year,omitempty"`
	CCS2      bool   `json:"ccs2"`
}

// ListResult is the output of vehicle_list.
type ListResult struct {
	Count    int            `json:"count"`
	Vehicles []VehicleEntry `json:"vehicles"`
}

// StatusResult is the output of vehicle_status.
type StatusResult struct {
	VIN       string         `json:"vin"`
	VehicleID string         `json:"vehicle_id"`
	FetchedAt string         `json:"fetched_at"`
	Status    map[string]any `json:"status"`
}

// ChangeEntry is one changed line of the status document.
type ChangeEntry struct {
	Op   string `json:"op"`
	Line string `json:"line"`
}

// ChangesResult is the output of vehicle_status_changes.
type ChangesResult struct {
	VIN         string        `json:"vin"`
	HasPrevious bool          `json:"has_previous"`
	PreviousAt  string        `json:"previous_at,omitempty"`
	CurrentAt   string        `json:"current_at"`
	Changes     []ChangeEntry `json:"changes"`
}

// --- Handlers ---

func listHandler(v VehicleReader) mcp.ToolHandlerFor[ListInput, *ListResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ ListInput) (*mcp.CallToolResult, *ListResult, error) {
		vehicles, err := v.Vehicles(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &ListResult{Count: len(vehicles), Vehicles: make([]VehicleEntry, 0, len(vehicles))}
		for _, veh := range vehicles {
			result.Vehicles = append(result.Vehicles, VehicleEntry{
				VIN:       veh.VIN,
				VehicleID: veh.VehicleID,
				Nickname:  veh.Nickname,
				Model:     veh.VehicleName,
				Type:      veh.Type,
				Year:      veh.Year,
				CCS2:      veh.CCS2 != 0,
			})
		}

		return textResult(result), result, nil
	}
}

func statusHandler(v VehicleReader) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		st, err := v.Status(ctx, input.VIN, input.Refresh)
		if err != nil {
			return nil, nil, err
		}

		status := map[string]any{}
		if err := json.Unmarshal(st.Status, &status); err != nil {
			return nil, nil, fmt.Errorf("decoding vehicle status: %w", err)
		}

		result := &StatusResult{
			VIN:       st.VIN,
			VehicleID: st.VehicleID,
			FetchedAt: st.FetchedAt.UTC().Format(time.RFC3339),
			Status:    status,
		}

		return textResult(result), result, nil
	}
}

func changesHandler(v VehicleReader) mcp.ToolHandlerFor[ChangesInput, *ChangesResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ChangesInput) (*mcp.CallToolResult, *ChangesResult, error) {
		ch, err := v.StatusChanges(ctx, input.VIN)
		if err != nil {
			return nil, nil, err
		}

		result := &ChangesResult{
			VIN:         ch.VIN,
			HasPrevious: ch.HasPrevious,
			CurrentAt:   ch.CurrentAt.UTC().Format(time.RFC3339),
			Changes:     make([]ChangeEntry, 0, len(ch.Changes)),
		}

		if ch.HasPrevious {
			result.PreviousAt = ch.PreviousAt.UTC().Format(time.RFC3339)
		}

		for _, c := range ch.Changes {
			result.Changes = append(result.Changes, ChangeEntry{Op: c.Op, Line: c.Line})
		}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
