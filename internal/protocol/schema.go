package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type jsonObj = map[string]any

func numberArray(n int) jsonObj {
	return jsonObj{"type": "array", "minItems": n, "maxItems": n, "items": jsonObj{"type": "number"}}
}

func typed(t any) jsonObj { return jsonObj{"type": t} }

func object(required []string, props jsonObj) jsonObj {
	return jsonObj{"type": "object", "required": required, "properties": props}
}

type schemas struct {
	actionRequest  *jsonschema.Schema
	actionResponse *jsonschema.Schema
	rewardRequest  *jsonschema.Schema
	health         *jsonschema.Schema
	streamObs      *jsonschema.Schema
	streamAction   *jsonschema.Schema
}

type schemaDef struct {
	name string
	doc  jsonObj
	dst  **jsonschema.Schema
}

// compileSchemas builds the decode-boundary schemas for one observation width.
func compileSchemas(obsLen int) (schemas, error) {
	var out schemas
	defs := []schemaDef{
		{"get_action.request", object(
			[]string{"observation", "instance_id", "player_id"},
			jsonObj{
				"observation": numberArray(obsLen),
				"instance_id": typed("string"),
				"player_id":   typed("integer"),
			}), &out.actionRequest},
		{"get_action.response", object(
			[]string{"action"},
			jsonObj{"action": numberArray(3)}), &out.actionResponse},
		{"update_reward.request", object(
			[]string{"instance_id", "reward", "next_state", "done", "player_id"},
			jsonObj{
				"instance_id": typed("string"),
				"reward":      typed("number"),
				"next_state":  numberArray(obsLen),
				"done":        typed("boolean"),
				"player_id":   typed("integer"),
			}), &out.rewardRequest},
		{"health.response", object(
			[]string{"status"},
			jsonObj{
				"status":      typed("string"),
				"port":        typed("integer"),
				"buffer_size": typed("integer"),
				"total_steps": typed("integer"),
				"gpu_enabled": typed("boolean"),
			}), &out.health},
		{"stream.observation", object(
			[]string{"health", "position", "opponent_health", "opponent_position"},
			jsonObj{
				"health":            typed("number"),
				"position":          numberArray(2),
				"opponent_health":   typed("number"),
				"opponent_position": numberArray(2),
				"instance_id":       typed("string"),
			}), &out.streamObs},
		{"stream.action", object(
			[]string{"movement", "attack"},
			jsonObj{
				"movement": numberArray(2),
				"attack":   typed([]string{"boolean", "number"}),
			}), &out.streamAction},
	}
	for _, d := range defs {
		b, err := json.Marshal(d.doc)
		if err != nil {
			return schemas{}, err
		}
		s, err := jsonschema.CompileString(d.name+".schema.json", string(b))
		if err != nil {
			return schemas{}, fmt.Errorf("compile %s schema: %w", d.name, err)
		}
		*d.dst = s
	}
	return out, nil
}
