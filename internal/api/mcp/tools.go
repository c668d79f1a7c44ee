package mcp

import (
	"bytes"
	"encoding/json"
)

// ToolRequest is the upstream call a tools/call maps to.
type ToolRequest struct {
	Path    string                 // appended to the upstream base URL
	Payload map[string]interface{} // JSON body
}

// toolSpec binds a tool descriptor to its upstream path and payload transform.
type toolSpec struct {
	tool      MCPTool
	path      string
	transform func(payload map[string]interface{})
}

// searchTopicForCountry is injected into search payloads that carry a country.
const searchTopicForCountry = "general"

var toolSpecs = []toolSpec{
	{
		tool: MCPTool{
			Name:        "tavily_search",
			Description: "Search the web using Tavily.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"query"},
				"properties": map[string]interface{}{
					"query":           map[string]interface{}{"type": "string", "description": "Search query"},
					"search_depth":    map[string]interface{}{"type": "string", "enum": []string{"basic", "advanced"}, "description": "Depth of the search"},
					"topic":           map[string]interface{}{"type": "string", "enum": []string{"general", "news", "finance"}, "description": "Search category"},
					"max_results":     map[string]interface{}{"type": "integer", "description": "Maximum number of results"},
					"time_range":      map[string]interface{}{"type": "string", "enum": []string{"day", "week", "month", "year"}, "description": "Restrict results to a recent time range"},
					"include_domains": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}, "description": "Only search these domains"},
					"exclude_domains": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}, "description": "Never return results from these domains"},
					"country":         map[string]interface{}{"type": "string", "description": "Boost results from this country"},
					"include_images":  map[string]interface{}{"type": "boolean", "description": "Include related images"},
				},
			},
		},
		path: "/search",
		transform: func(payload map[string]interface{}) {
			if isTruthy(payload["country"]) {
				payload["topic"] = searchTopicForCountry
			}
			forceArray(payload, "include_domains")
			forceArray(payload, "exclude_domains")
		},
	},
	{
		tool: MCPTool{
			Name:        "tavily_extract",
			Description: "Extract content from URLs.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"urls"},
				"properties": map[string]interface{}{
					"urls": map[string]interface{}{
						"oneOf": []interface{}{
							map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
							map[string]interface{}{"type": "string"},
						},
						"description": "One URL or multiple URLs",
					},
					"extract_depth":  map[string]interface{}{"type": "string", "enum": []string{"basic", "advanced"}, "description": "Depth of extraction"},
					"format":         map[string]interface{}{"type": "string", "enum": []string{"markdown", "text"}, "description": "Output format"},
					"include_images": map[string]interface{}{"type": "boolean", "description": "Include images found on the pages"},
				},
			},
		},
		path: "/extract",
	},
	{
		tool: MCPTool{
			Name:        "tavily_crawl",
			Description: "Crawl a website from a root URL.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"url"},
				"properties": map[string]interface{}{
					"url":            map[string]interface{}{"type": "string", "description": "Root URL"},
					"max_depth":      map[string]interface{}{"type": "integer", "description": "How far from the root to follow links"},
					"max_breadth":    map[string]interface{}{"type": "integer", "description": "Links followed per page"},
					"limit":          map[string]interface{}{"type": "integer", "description": "Total pages to process"},
					"instructions":   map[string]interface{}{"type": "string", "description": "Natural-language crawl guidance"},
					"select_paths":   map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}, "description": "Regex patterns for paths to include"},
					"select_domains": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}, "description": "Regex patterns for domains to include"},
					"allow_external": map[string]interface{}{"type": "boolean", "description": "Follow links to external domains"},
					"extract_depth":  map[string]interface{}{"type": "string", "enum": []string{"basic", "advanced"}, "description": "Depth of extraction"},
					"format":         map[string]interface{}{"type": "string", "enum": []string{"markdown", "text"}, "description": "Output format"},
				},
			},
		},
		path: "/crawl",
		transform: func(payload map[string]interface{}) {
			forceArray(payload, "select_paths")
			forceArray(payload, "select_domains")
		},
	},
	{
		tool: MCPTool{
			Name:        "tavily_map",
			Description: "Map website structure from a root URL.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"url"},
				"properties": map[string]interface{}{
					"url":            map[string]interface{}{"type": "string", "description": "Root URL"},
					"max_depth":      map[string]interface{}{"type": "integer", "description": "How far from the root to follow links"},
					"max_breadth":    map[string]interface{}{"type": "integer", "description": "Links followed per page"},
					"limit":          map[string]interface{}{"type": "integer", "description": "Total pages to process"},
					"instructions":   map[string]interface{}{"type": "string", "description": "Natural-language mapping guidance"},
					"select_paths":   map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}, "description": "Regex patterns for paths to include"},
					"select_domains": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}, "description": "Regex patterns for domains to include"},
					"allow_external": map[string]interface{}{"type": "boolean", "description": "Follow links to external domains"},
				},
			},
		},
		path: "/map",
		transform: func(payload map[string]interface{}) {
			forceArray(payload, "select_paths")
			forceArray(payload, "select_domains")
		},
	},
	{
		tool: MCPTool{
			Name:        "tavily_research",
			Description: "Run Tavily research workflow.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"input"},
				"properties": map[string]interface{}{
					"input": map[string]interface{}{"type": "string", "description": "Research input"},
					"model": map[string]interface{}{"type": "string", "enum": []string{"mini", "pro", "auto"}, "description": "Research model"},
				},
			},
		},
		path: "/research",
	},
}

// Tools returns the tool descriptors in registry order.
func Tools() []MCPTool {
	tools := make([]MCPTool, len(toolSpecs))
	for i, entry := range toolSpecs {
		tools[i] = entry.tool
	}
	return tools
}

// MapToolCall maps a tool name and its raw arguments to an upstream request.
// Arguments that are not a JSON object are treated as {}. ok is false for
// names outside the registry. No I/O happens here.
func MapToolCall(name string, arguments json.RawMessage) (req ToolRequest, ok bool) {
	for _, entry := range toolSpecs {
		if entry.tool.Name != name {
			continue
		}
		payload := decodeArguments(arguments)
		if entry.transform != nil {
			entry.transform(payload)
		}
		return ToolRequest{Path: entry.path, Payload: payload}, true
	}
	return ToolRequest{}, false
}

// decodeArguments returns a fresh map for arguments. Numbers are kept as
// json.Number so they are forwarded exactly as received.
func decodeArguments(arguments json.RawMessage) map[string]interface{} {
	payload := map[string]interface{}{}
	trimmed := bytes.TrimSpace(arguments)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return payload
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var decoded map[string]interface{}
	if err := dec.Decode(&decoded); err != nil || decoded == nil {
		return payload
	}
	return decoded
}

// forceArray replaces a missing or non-array field with an empty array.
func forceArray(payload map[string]interface{}, key string) {
	if _, ok := payload[key].([]interface{}); ok {
		return
	}
	payload[key] = []interface{}{}
}

// isTruthy reports whether v counts as set: non-empty strings, non-zero
// numbers, true, and any object or array.
func isTruthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	case json.Number:
		f, err := t.Float64()
		return err != nil || f != 0
	default:
		return true
	}
}
