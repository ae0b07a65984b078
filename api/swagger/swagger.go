package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Enrollment Reconciler API",
        "description": "Billing webhook ingestion, reconciliation sweep and enrollment status administration.",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": ["http", "https"],
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "tags": [
        {"name": "Webhooks", "description": "Billing provider deliveries and their recorded outcomes"},
        {"name": "Reconcile", "description": "Scheduler-triggered correction sweep"},
        {"name": "Enrollments", "description": "Admin status changes, duplicate merges and audit trail"},
        {"name": "Health", "description": "Liveness and readiness"}
    ],
    "paths": {
        "/webhooks/billing": {
            "post": {
                "tags": ["Webhooks"],
                "summary": "Billing provider webhook",
                "description": "Verifies the payload signature and applies checkout events. Always 200 once the signature is valid.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"name": "Stripe-Signature", "in": "header", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"type": "object"}}
                ],
                "responses": {
                    "200": {"description": "Acknowledged", "schema": {"$ref": "#/definitions/WebhookAck"}},
                    "400": {"description": "Missing or invalid signature", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "413": {"description": "Payload too large", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "500": {"description": "Webhook secret not configured", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/reconcile/sweep": {
            "post": {
                "tags": ["Reconcile"],
                "summary": "Run the reconciliation sweep",
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "responses": {
                    "200": {"description": "Sweep finished", "schema": {"$ref": "#/definitions/SweepResponse"}},
                    "401": {"description": "Bad scheduler secret", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/enrollments/merge-duplicates": {
            "post": {
                "tags": ["Enrollments"],
                "summary": "Merge duplicate enrollments",
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/MergeDuplicatesRequest"}}
                ],
                "responses": {
                    "200": {"description": "Merge result", "schema": {"$ref": "#/definitions/MergeDuplicatesResult"}},
                    "400": {"description": "Missing fields", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "401": {"description": "Unauthenticated", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/enrollments/{id}/status": {
            "post": {
                "tags": ["Enrollments"],
                "summary": "Change enrollment status",
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ChangeStatusRequest"}}
                ],
                "responses": {
                    "200": {"description": "Updated enrollment", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Invalid status", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Enrollment not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Transition not allowed or lost race", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/enrollments/{id}/activity": {
            "get": {
                "tags": ["Enrollments"],
                "summary": "List enrollment audit trail",
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "limit", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "Entries, newest first", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Enrollment not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/webhook-events": {
            "get": {
                "tags": ["Webhooks"],
                "summary": "List recorded webhook events",
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "parameters": [
                    {"name": "status", "in": "query", "type": "string", "enum": ["pending", "success", "failed"]},
                    {"name": "limit", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "Events", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/webhook-events/{id}/replay": {
            "post": {
                "tags": ["Webhooks"],
                "summary": "Replay a recorded webhook event",
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "202": {"description": "Replay queued", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Event not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "WebhookAck": {
            "type": "object",
            "properties": {"received": {"type": "boolean"}}
        },
        "ReconcileFixes": {
            "type": "object",
            "properties": {
                "paymentStatusSync": {"type": "integer"},
                "stalePending": {"type": "integer"},
                "errors": {"type": "array", "items": {"type": "string"}}
            }
        },
        "SweepResponse": {
            "type": "object",
            "properties": {
                "success": {"type": "boolean"},
                "fixes": {"$ref": "#/definitions/ReconcileFixes"},
                "timestamp": {"type": "string", "format": "date-time"}
            }
        },
        "MergeDuplicatesRequest": {
            "type": "object",
            "required": ["guardianEmail", "childFirstName", "childLastName", "locationId"],
            "properties": {
                "guardianEmail": {"type": "string"},
                "childFirstName": {"type": "string"},
                "childLastName": {"type": "string"},
                "locationId": {"type": "string"}
            }
        },
        "MergeDuplicatesResult": {
            "type": "object",
            "properties": {
                "message": {"type": "string"},
                "keepEnrollment": {"$ref": "#/definitions/Enrollment"},
                "cancelledEnrollments": {"type": "integer"},
                "skippedEnrollments": {"type": "array", "items": {"type": "string"}},
                "errors": {"type": "array", "items": {"type": "string"}}
            }
        },
        "ChangeStatusRequest": {
            "type": "object",
            "required": ["status"],
            "properties": {
                "status": {"type": "string", "enum": ["pending", "pending_payment", "approved", "active", "rejected", "cancelled"]},
                "reason": {"type": "string"}
            }
        },
        "Enrollment": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "guardianEmail": {"type": "string"},
                "childFirstName": {"type": "string"},
                "childLastName": {"type": "string"},
                "locationId": {"type": "string"},
                "status": {"type": "string"},
                "checkoutReference": {"type": "string"},
                "paid": {"type": "boolean"},
                "version": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
