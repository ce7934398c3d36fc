// Package docs registers the OpenAPI document served by gin-swagger.
//
// Regenerate with: swag init -g cmd/crmsync/main.go -o docs
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/threads/{key}/messages": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Messages"],
                "summary": "List thread messages",
                "operationId": "listMessages",
                "parameters": [
                    {"type": "string", "description": "Thread key", "name": "key", "in": "path", "required": true},
                    {"minimum": 1, "type": "integer", "default": 1, "description": "Page number", "name": "page", "in": "query"},
                    {"maximum": 100, "minimum": 1, "type": "integer", "default": 50, "description": "Items per page", "name": "page_size", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ListMessagesResponse"}},
                    "304": {"description": "Not modified"},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Thread not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Messages"],
                "summary": "Send an operator message",
                "operationId": "sendMessage",
                "parameters": [
                    {"type": "string", "description": "Operator id", "name": "X-Operator-ID", "in": "header"},
                    {"type": "string", "description": "Idempotency key", "name": "Idempotency-Key", "in": "header"},
                    {"type": "string", "description": "Thread key", "name": "key", "in": "path", "required": true},
                    {"description": "Message", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.SendMessageRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.SendMessageResponse"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Thread not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "502": {"description": "Delivery failed", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/contacts/{id}/orders": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Orders"],
                "summary": "List a contact's orders",
                "operationId": "listOrders",
                "parameters": [
                    {"type": "string", "format": "uuid", "description": "Contact ID (UUID)", "name": "id", "in": "path", "required": true},
                    {"minimum": 1, "type": "integer", "default": 1, "description": "Page number", "name": "page", "in": "query"},
                    {"maximum": 100, "minimum": 1, "type": "integer", "default": 20, "description": "Items per page", "name": "page_size", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ListOrdersResponse"}},
                    "304": {"description": "Not modified"},
                    "404": {"description": "Contact not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/orders/{id}/status": {
            "put": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Orders"],
                "summary": "Change an order's status",
                "operationId": "updateOrderStatus",
                "parameters": [
                    {"type": "string", "format": "uuid", "description": "Order ID (UUID)", "name": "id", "in": "path", "required": true},
                    {"description": "New status", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.UpdateStatusRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.Order"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Order not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Contact already has an active thread", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/messages/{id}/reaction": {
            "put": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Messages"],
                "summary": "React to a message",
                "operationId": "setReaction",
                "parameters": [
                    {"type": "string", "format": "uuid", "description": "Message ID (UUID)", "name": "id", "in": "path", "required": true},
                    {"description": "Reaction", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.ReactionRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.MessageResponse"}},
                    "404": {"description": "Message not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "delete": {
                "tags": ["Messages"],
                "summary": "Remove the reaction from a message",
                "operationId": "clearReaction",
                "parameters": [
                    {"type": "string", "format": "uuid", "description": "Message ID (UUID)", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "204": {"description": "Cleared"},
                    "404": {"description": "Message not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "domain.Message": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "thread_key": {"type": "string"},
                "author_kind": {"type": "string"},
                "content": {"type": "string"},
                "kind": {"type": "string"},
                "channel_message_id": {"type": "string"},
                "attachment_url": {"type": "string"},
                "reply_to_channel_message_id": {"type": "string"},
                "client_message_id": {"type": "string"},
                "reaction": {"type": "string"},
                "created_at": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "domain.Order": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "contact_id": {"type": "string"},
                "main_id": {"type": "string"},
                "status": {"type": "string"},
                "created_at": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "handlers.ErrorResponse": {
            "type": "object",
            "properties": {
                "request_id": {"type": "string"},
                "code": {"type": "string"},
                "message": {"type": "string"}
            }
        },
        "handlers.Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total": {"type": "integer"},
                "total_pages": {"type": "integer"},
                "has_next": {"type": "boolean"}
            }
        },
        "handlers.ListMessagesResponse": {
            "type": "object",
            "properties": {
                "messages": {"type": "array", "items": {"$ref": "#/definitions/domain.Message"}},
                "pagination": {"$ref": "#/definitions/handlers.Pagination"}
            }
        },
        "handlers.ListOrdersResponse": {
            "type": "object",
            "properties": {
                "orders": {"type": "array", "items": {"$ref": "#/definitions/domain.Order"}},
                "pagination": {"$ref": "#/definitions/handlers.Pagination"}
            }
        },
        "handlers.SendMessageRequest": {
            "type": "object",
            "required": ["content"],
            "properties": {
                "content": {"type": "string"},
                "reply_to_channel_message_id": {"type": "string"},
                "client_message_id": {"type": "string"}
            }
        },
        "handlers.SendMessageResponse": {
            "type": "object",
            "properties": {
                "message": {"$ref": "#/definitions/domain.Message"},
                "client_message_id": {"type": "string"}
            }
        },
        "handlers.UpdateStatusRequest": {
            "type": "object",
            "required": ["status"],
            "properties": {"status": {"type": "string"}}
        },
        "handlers.ReactionRequest": {
            "type": "object",
            "properties": {"reaction": {"type": "string"}}
        },
        "handlers.MessageResponse": {
            "type": "object",
            "properties": {"message": {"$ref": "#/definitions/domain.Message"}}
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "CRM Sync API",
	Description:      "Multi-channel message sync for the CRM: Telegram webhook, operator API and realtime events.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
