package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

type Action struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Icon  string `json:"icon,omitempty"`
	// Route is opened when the action is chosen. "{tag}" expands to the
	// notification's correlation tag. Empty means the action only closes.
	Route string `json:"route,omitempty"`
}

type Descriptor struct {
	Title              string         `json:"title"`
	Body               string         `json:"body"`
	Icon               string         `json:"icon,omitempty"`
	Badge              string         `json:"badge,omitempty"`
	Tag                string         `json:"tag,omitempty"`
	Renotify           bool           `json:"renotify"`
	RequireInteraction bool           `json:"requireInteraction"`
	Actions            []Action       `json:"actions,omitempty"`
	Data               map[string]any `json:"data,omitempty"`
}

// DefaultDescriptor is rendered when a push carries no usable payload.
func DefaultDescriptor() Descriptor {
	return Descriptor{
		Title:    "Notification",
		Body:     "You have a new notification",
		Icon:     "/static/icons/icon-192x192.png",
		Badge:    "/static/icons/icon-96x96.png",
		Tag:      "edge-notification",
		Renotify: true,
		Actions: []Action{
			{ID: "view", Title: "View", Icon: "/static/icons/view-icon.png", Route: "/notifications/"},
			{ID: "dismiss", Title: "Dismiss", Icon: "/static/icons/dismiss-icon.png"},
		},
	}
}

const payloadSchemaURL = "https://offlineagent.local/schemas/push-payload.json"

const payloadSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "message": {"type": "string", "maxLength": 4096},
    "title": {"type": "string", "maxLength": 256},
    "tag": {"type": "string", "maxLength": 128},
    "requireInteraction": {"type": "boolean"}
  }
}`

func compilePayloadSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(payloadSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(payloadSchemaURL, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(payloadSchemaURL)
}

type payload struct {
	Message            string `json:"message"`
	Title              string `json:"title"`
	Tag                string `json:"tag"`
	RequireInteraction bool   `json:"requireInteraction"`
}

type parser struct {
	defaults Descriptor
	schema   *jsonschema.Schema
	policy   *bluemonday.Policy
}

// parse renders raw into a descriptor. An empty payload yields the defaults
// with no error; a payload that fails to decode or validate yields the
// defaults and ErrMalformedPushPayload.
func (p *parser) parse(raw []byte) (Descriptor, error) {
	desc := cloneDescriptor(p.defaults)
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return desc, nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return desc, fmt.Errorf("%w: %v", ErrMalformedPushPayload, err)
	}
	if err := p.schema.Validate(inst); err != nil {
		return desc, fmt.Errorf("%w: %v", ErrMalformedPushPayload, err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return desc, fmt.Errorf("%w: %v", ErrMalformedPushPayload, err)
	}
	var msg payload
	if err := json.Unmarshal(raw, &msg); err != nil {
		return desc, fmt.Errorf("%w: %v", ErrMalformedPushPayload, err)
	}
	if body := p.plainText(msg.Message); body != "" {
		desc.Body = body
	}
	if title := p.plainText(msg.Title); title != "" {
		desc.Title = title
	}
	if tag := strings.TrimSpace(msg.Tag); tag != "" {
		desc.Tag = tag
	}
	if msg.RequireInteraction {
		desc.RequireInteraction = true
	}
	desc.Data = data
	return desc, nil
}

func (p *parser) plainText(s string) string {
	return strings.TrimSpace(html.UnescapeString(p.policy.Sanitize(s)))
}

func cloneDescriptor(d Descriptor) Descriptor {
	d.Actions = append([]Action(nil), d.Actions...)
	if d.Data != nil {
		data := make(map[string]any, len(d.Data))
		for k, v := range d.Data {
			data[k] = v
		}
		d.Data = data
	}
	return d
}
