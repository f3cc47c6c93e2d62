package httpapi

// buildOpenAPIDocument returns a minimal, hand-built OpenAPI 3.0 document
// for the gateway's fixed endpoint set, with baseURL substituted as the
// effective server address. See spec.md §7's supplemented-feature note:
// this surface is small and fixed, so it is authored directly here
// rather than generated by reflection over route registrations.
func buildOpenAPIDocument(baseURL string) map[string]interface{} {
	return map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":       "dbmcp-gateway",
			"version":     "1.0.0",
			"description": "JSON-RPC gateway exposing a relational database through the Model Context Protocol.",
		},
		"servers": []map[string]interface{}{
			{"url": baseURL},
		},
		"paths": map[string]interface{}{
			"/auth": map[string]interface{}{
				"post": map[string]interface{}{
					"summary": "Mint a bearer token bound to a database credential.",
					"requestBody": map[string]interface{}{
						"required": true,
						"content": map[string]interface{}{
							"application/json": map[string]interface{}{
								"schema": map[string]interface{}{
									"type":     "object",
									"required": []string{"username", "password"},
									"properties": map[string]interface{}{
										"username": map[string]interface{}{"type": "string"},
										"password": map[string]interface{}{"type": "string"},
										"host":     map[string]interface{}{"type": "string"},
										"port":     map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 65535},
										"database": map[string]interface{}{"type": "string"},
										"schema":   map[string]interface{}{"type": "string"},
										"duration": map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 86400},
									},
								},
							},
						},
					},
					"responses": map[string]interface{}{
						"201": map[string]interface{}{"description": "Token minted"},
						"400": map[string]interface{}{"description": "Invalid request body"},
						"401": map[string]interface{}{"description": "Credential probe failed"},
						"404": map[string]interface{}{"description": "Not available in this auth mode"},
						"429": map[string]interface{}{"description": "Throttled"},
						"503": map[string]interface{}{"description": "Session cap reached"},
					},
				},
			},
			"/mcp": map[string]interface{}{
				"post": map[string]interface{}{
					"summary": "Send a JSON-RPC 2.0 MCP request.",
				},
				"get": map[string]interface{}{
					"summary": "Open an SSE stream bound to an existing stateful session.",
					"parameters": []map[string]interface{}{
						{"name": sessionHeader, "in": "header", "required": true, "schema": map[string]interface{}{"type": "string"}},
					},
				},
				"delete": map[string]interface{}{
					"summary": "Close an existing MCP session.",
					"parameters": []map[string]interface{}{
						{"name": sessionHeader, "in": "header", "required": true, "schema": map[string]interface{}{"type": "string"}},
					},
				},
			},
			"/health": map[string]interface{}{
				"get": map[string]interface{}{
					"summary": "Gateway status, effective modes, and manager statistics.",
				},
			},
		},
	}
}
