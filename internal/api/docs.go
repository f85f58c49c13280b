package api

import (
	"github.com/swaggo/swag"

	"evalgo.org/fleetrent/internal/version"
)

// @title fleetrent API
// @description Rentals, nodes and ports of a GPU fleet. Nodes connect to /fleet over a websocket.
// @BasePath /api/v1
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

// apiDoc is served by echo-swagger under /docs. Running
// `swag init -g internal/api/docs.go` regenerates the full document from
// the handler annotations.
var apiDoc = &swag.Spec{
	Version:          version.Version,
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "fleetrent API",
	Description:      "Rentals, nodes and ports of a GPU fleet. Nodes connect to /fleet over a websocket.",
	InfoInstanceName: swag.Name,
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	if swag.GetSwagger(apiDoc.InstanceName()) == nil {
		swag.Register(apiDoc.InstanceName(), apiDoc)
	}
}

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "paths": {
        "/rentals": {
            "get": {"tags": ["Rentals"], "summary": "List rentals", "security": [{"BearerAuth": []}],
                "responses": {"200": {"description": "Rentals"}, "401": {"description": "Unauthorized"}}},
            "post": {"tags": ["Rentals"], "summary": "Create a rental", "security": [{"BearerAuth": []}],
                "responses": {"201": {"description": "Pending rental"}, "402": {"description": "Insufficient balance"},
                    "409": {"description": "Node unavailable"}, "503": {"description": "Node not connected or port range exhausted"}}}
        },
        "/rentals/{id}": {
            "get": {"tags": ["Rentals"], "summary": "Get a rental", "security": [{"BearerAuth": []}],
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"200": {"description": "Rental"}, "404": {"description": "Rental not found"}}}
        },
        "/rentals/{id}/stop": {
            "post": {"tags": ["Rentals"], "summary": "Stop a rental", "security": [{"BearerAuth": []}],
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"200": {"description": "Settled rental"}, "409": {"description": "Rental not active"}}}
        },
        "/nodes": {
            "get": {"tags": ["Nodes"], "summary": "List nodes", "security": [{"BearerAuth": []}],
                "responses": {"200": {"description": "Nodes"}, "403": {"description": "Operator access required"}}}
        },
        "/nodes/{id}/metrics": {
            "get": {"tags": ["Nodes"], "summary": "Recent node telemetry", "security": [{"BearerAuth": []}],
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"200": {"description": "Samples, newest first"}, "404": {"description": "Node not found"}}}
        },
        "/nodes/{id}/drain": {
            "post": {"tags": ["Nodes"], "summary": "Drain a node", "security": [{"BearerAuth": []}],
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"202": {"description": "Command sent"}, "503": {"description": "Node not connected"}}}
        },
        "/nodes/{id}/config": {
            "post": {"tags": ["Nodes"], "summary": "Push agent configuration", "security": [{"BearerAuth": []}],
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"202": {"description": "Command sent"}, "503": {"description": "Node not connected"}}}
        },
        "/ports": {
            "get": {"tags": ["Ports"], "summary": "Public port range usage", "security": [{"BearerAuth": []}],
                "responses": {"200": {"description": "Range and usage"}}}
        }
    }
}`
