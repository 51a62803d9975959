package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaRegistry compiles every frame schema once. Method params without
// an entry here pass validation unchecked.
type schemaRegistry struct {
	once    sync.Once
	initErr error
	request *jsonschema.Schema
	methods map[string]*jsonschema.Schema
}

var frameSchemas schemaRegistry

func initFrameSchemas() error {
	frameSchemas.once.Do(func() {
		reqSchema, err := jsonschema.CompileString("request", requestSchema)
		if err != nil {
			frameSchemas.initErr = err
			return
		}
		frameSchemas.request = reqSchema

		methods := map[string]string{
			"hello":            helloParamsSchema,
			"ping":             emptyParamsSchema,
			"health":           emptyParamsSchema,
			"chat.send":        chatSendParamsSchema,
			"chat.history":     chatHistoryParamsSchema,
			"chat.abort":       chatAbortParamsSchema,
			"sessions.list":    sessionsListParamsSchema,
			"sessions.patch":   sessionsPatchParamsSchema,
			"nodes.list":       emptyParamsSchema,
			"providers.status": emptyParamsSchema,
			"channels.status":  emptyParamsSchema,
			"channels.login":   channelsLoginParamsSchema,
			"channels.logout":  channelsLogoutParamsSchema,
			"config.get":       emptyParamsSchema,
			"config.put":       configPutParamsSchema,
			"config.schema":    emptyParamsSchema,
			"cron.list":        emptyParamsSchema,
			"cron.status":      cronStatusParamsSchema,
			"cron.run":         cronRunParamsSchema,
			"skills.list":      emptyParamsSchema,
			"web.login.start":  emptyParamsSchema,
			"web.login.wait":   webLoginWaitParamsSchema,
			"pairing.list":     emptyParamsSchema,
			"pairing.approve":  pairingApproveParamsSchema,
		}

		frameSchemas.methods = make(map[string]*jsonschema.Schema, len(methods))
		for name, schema := range methods {
			compiled, err := jsonschema.CompileString("method_"+name, schema)
			if err != nil {
				frameSchemas.initErr = err
				return
			}
			frameSchemas.methods[name] = compiled
		}
	})
	return frameSchemas.initErr
}

// validateRequestFrame checks the outer frame shape and the per-method
// params schema. Violations come back as invalid-input with the failing
// instance path in the message.
func validateRequestFrame(raw []byte, frame *wsFrame) error {
	if err := initFrameSchemas(); err != nil {
		return err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := frameSchemas.request.Validate(payload); err != nil {
		return schemaViolation(err)
	}
	if frame == nil {
		return fmt.Errorf("missing frame")
	}
	if schema := frameSchemas.methods[frame.Method]; schema != nil {
		var params any
		if len(frame.Params) == 0 {
			params = map[string]any{}
		} else if err := json.Unmarshal(frame.Params, &params); err != nil {
			return err
		}
		if err := schema.Validate(params); err != nil {
			return schemaViolation(err)
		}
	}
	return nil
}

// schemaViolation flattens a jsonschema error to its most specific
// cause so the client sees the failing field path.
func schemaViolation(err error) error {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	path := leaf.InstanceLocation
	if path == "" {
		path = "/"
	}
	return fmt.Errorf("%s: %s", path, leaf.Message)
}

const requestSchema = `{
  "type": "object",
  "required": ["type", "id", "method"],
  "properties": {
    "type": { "const": "req" },
    "id": { "type": "string", "minLength": 1 },
    "method": { "type": "string", "minLength": 1 },
    "params": {}
  },
  "additionalProperties": true
}`

const emptyParamsSchema = `{
  "type": "object",
  "additionalProperties": true
}`

const helloParamsSchema = `{
  "type": "object",
  "required": ["clientName", "clientVersion", "platform", "minProtocol", "maxProtocol"],
  "properties": {
    "clientName": { "type": "string", "minLength": 1 },
    "clientVersion": { "type": "string", "minLength": 1 },
    "platform": { "type": "string", "minLength": 1 },
    "mode": { "enum": ["webchat", "tui", "cli", "node"] },
    "instanceId": { "type": "string" },
    "minProtocol": { "type": "integer", "minimum": 1 },
    "maxProtocol": { "type": "integer", "minimum": 1 },
    "lastSeq": { "type": "integer", "minimum": 0 },
    "auth": {
      "type": "object",
      "properties": {
        "token": { "type": "string" },
        "password": { "type": "string" }
      },
      "additionalProperties": true
    },
    "userAgent": { "type": "string" },
    "locale": { "type": "string" }
  },
  "additionalProperties": true
}`

const chatSendParamsSchema = `{
  "type": "object",
  "required": ["content"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 },
    "content": { "type": "string", "minLength": 1 },
    "idempotencyKey": { "type": "string" },
    "expectFinal": { "type": "boolean" },
    "deliver": { "type": "boolean" },
    "channel": { "type": "string" },
    "to": { "type": "string" }
  },
  "additionalProperties": true
}`

const chatHistoryParamsSchema = `{
  "type": "object",
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 },
    "limit": { "type": "integer", "minimum": 1, "maximum": 500 }
  },
  "additionalProperties": true
}`

const chatAbortParamsSchema = `{
  "type": "object",
  "properties": {
    "runId": { "type": "string" },
    "sessionKey": { "type": "string" }
  },
  "additionalProperties": true
}`

const sessionsListParamsSchema = `{
  "type": "object",
  "properties": {
    "limit": { "type": "integer", "minimum": 1, "maximum": 500 }
  },
  "additionalProperties": true
}`

const sessionsPatchParamsSchema = `{
  "type": "object",
  "required": ["key"],
  "properties": {
    "key": { "type": "string", "minLength": 1 },
    "thinkingLevel": { "type": ["string", "null"] },
    "verboseLevel": { "type": ["string", "null"] },
    "sendPolicy": { "type": ["string", "null"] },
    "queueMode": { "type": ["string", "null"] },
    "groupActivation": { "type": ["string", "null"] }
  },
  "additionalProperties": true
}`

const channelsLoginParamsSchema = `{
  "type": "object",
  "required": ["channel"],
  "properties": {
    "channel": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const channelsLogoutParamsSchema = `{
  "type": "object",
  "required": ["channel"],
  "properties": {
    "channel": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const configPutParamsSchema = `{
  "type": "object",
  "required": ["config"],
  "properties": {
    "config": { "type": "object" }
  },
  "additionalProperties": true
}`

const cronStatusParamsSchema = `{
  "type": "object",
  "properties": {
    "jobId": { "type": "string" },
    "limit": { "type": "integer", "minimum": 1, "maximum": 500 }
  },
  "additionalProperties": true
}`

const cronRunParamsSchema = `{
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const webLoginWaitParamsSchema = `{
  "type": "object",
  "required": ["loginId"],
  "properties": {
    "loginId": { "type": "string", "minLength": 1 },
    "timeoutSeconds": { "type": "integer", "minimum": 1, "maximum": 300 }
  },
  "additionalProperties": true
}`

const pairingApproveParamsSchema = `{
  "type": "object",
  "required": ["code"],
  "properties": {
    "kind": { "enum": ["dm", "node"] },
    "channel": { "type": "string" },
    "code": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`
