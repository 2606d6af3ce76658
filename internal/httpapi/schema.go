package httpapi

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// graphNotificationSchema is the shape Microsoft Graph posts to the webhook
// endpoint: a value array of change notifications, each carrying the
// subscription that fired. Fields beyond subscriptionId are advisory; the
// sync pipeline re-pulls via the delta link rather than trusting payloads.
const graphNotificationSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["value"],
	"properties": {
		"value": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["subscriptionId"],
				"properties": {
					"subscriptionId": {"type": "string", "minLength": 1},
					"changeType": {"type": "string"},
					"resource": {"type": "string"},
					"clientState": {"type": "string"},
					"subscriptionExpirationDateTime": {"type": "string"}
				}
			}
		}
	}
}`

func mustGraphNotificationSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(graphNotificationSchema))
	if err != nil {
		panic("graph notification schema: " + err.Error())
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("graph-notification.json", doc); err != nil {
		panic("graph notification schema: " + err.Error())
	}
	schema, err := compiler.Compile("graph-notification.json")
	if err != nil {
		panic("graph notification schema: " + err.Error())
	}
	return schema
}
