package server

import (
	"encoding/json"

	"github.com/artemis/fleetmigrate/internal/protocol"
)

// decodeInto re-marshals a decoded JSON object and unmarshals it into dst,
// so protocol struct field names and types (including nested structs like
// Destination.Health) are honored without hand-written copying. Malformed
// input yields a zero-valued dst field, matching the reference
// implementation's tolerant fromJson() helpers.
func decodeInto(m map[string]interface{}, dst interface{}) {
	raw, err := json.Marshal(m)
	if err != nil {
		return
	}
	_ = json.Unmarshal(raw, dst)
}

func encodeInto(src interface{}, dst *map[string]interface{}) {
	raw, err := json.Marshal(src)
	if err != nil {
		return
	}
	_ = json.Unmarshal(raw, dst)
}

// These converters round-trip protocol structs through the same JSON tags
// used on the wire, so a map[string]interface{} decoded by protocol.Decoder
// and a protocol.Destination/Health/... struct agree on field names without
// hand-written field-by-field copying.

func destinationFromJSON(m map[string]interface{}) protocol.Destination {
	d := protocol.NewDestination()
	decodeInto(m, &d)
	return d
}

func healthFromJSON(m map[string]interface{}) protocol.Health {
	var h protocol.Health
	decodeInto(m, &h)
	return h
}

func progressFromJSON(m map[string]interface{}) protocol.DeploymentProgress {
	var p protocol.DeploymentProgress
	decodeInto(m, &p)
	return p
}

func completionFromJSON(m map[string]interface{}) protocol.DeploymentCompletion {
	var c protocol.DeploymentCompletion
	decodeInto(m, &c)
	return c
}

func assignmentToJSON(a protocol.DeploymentAssignment) map[string]interface{} {
	var out map[string]interface{}
	encodeInto(a, &out)
	return out
}
