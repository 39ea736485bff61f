package agent

import (
	"encoding/json"

	"github.com/artemis/fleetmigrate/internal/protocol"
)

// These converters round-trip protocol structs through their JSON tags, the
// same trick internal/server uses, so wire field names stay in one place.

func destinationToJSON(d protocol.Destination) map[string]interface{} {
	var out map[string]interface{}
	encodeInto(d, &out)
	return out
}

func healthToJSON(h protocol.Health) map[string]interface{} {
	var out map[string]interface{}
	encodeInto(h, &out)
	return out
}

func progressToJSON(p protocol.DeploymentProgress) map[string]interface{} {
	var out map[string]interface{}
	encodeInto(p, &out)
	return out
}

func completionToJSON(c protocol.DeploymentCompletion) map[string]interface{} {
	var out map[string]interface{}
	encodeInto(c, &out)
	return out
}

func assignmentFromJSON(m map[string]interface{}) protocol.DeploymentAssignment {
	a := protocol.NewDeploymentAssignment()
	decodeInto(m, &a)
	return a
}

func encodeInto(src interface{}, dst *map[string]interface{}) {
	raw, err := json.Marshal(src)
	if err != nil {
		return
	}
	_ = json.Unmarshal(raw, dst)
}

func decodeInto(m map[string]interface{}, dst interface{}) {
	raw, err := json.Marshal(m)
	if err != nil {
		return
	}
	_ = json.Unmarshal(raw, dst)
}
