// Package docs is the hand-maintained equivalent of a `swag init` output:
// it registers the diagnostics API's OpenAPI document with swaggo/swag so
// gin-swagger's handler has something to serve at /swagger/index.html,
// the same registration ldfd's generated docs package performs for its
// own API (ldfd/docs.go's `@title`/`@host` annotations feed that
// generator; dbfsd's live in main.go).
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
	"swagger": "2.0",
	"info": {
		"title": "dbfsd diagnostics API",
		"description": "Optional read-mostly introspection endpoints for a running dbfsd mount.",
		"version": "1.0"
	},
	"basePath": "/",
	"paths": {
		"/healthz": {
			"get": {
				"summary": "Liveness probe",
				"responses": {"200": {"description": "ok"}}
			}
		},
		"/v1/stats": {
			"get": {
				"summary": "Cache and mount statistics",
				"security": [{"BearerAuth": []}],
				"responses": {"200": {"description": "ok"}, "401": {"description": "missing or invalid bearer token"}}
			}
		},
		"/v1/cache/invalidate": {
			"post": {
				"summary": "Invalidate the in-process schema cache",
				"security": [{"BearerAuth": []}],
				"parameters": [{"name": "db", "in": "query", "required": false, "type": "string"}],
				"responses": {"200": {"description": "ok"}, "401": {"description": "missing or invalid bearer token"}}
			}
		}
	},
	"securityDefinitions": {
		"BearerAuth": {
			"type": "apiKey",
			"in": "header",
			"name": "Authorization"
		}
	}
}`

// SwaggerInfo holds the spec gin-swagger looks up by instance name.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "127.0.0.1:9469",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "dbfsd diagnostics API",
	Description:      "Optional read-mostly introspection endpoints for a running dbfsd mount.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
